// Package diskspace implements the periodic per-mount disk usage check run
// against a monitored backend, plus an independent local-disk headroom
// check used by the journal writer.
package diskspace

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jmoiron/sqlx"
	"github.com/shirou/gopsutil/disk"

	"github.com/signal18/monitorcore/dbhelper"
	"github.com/signal18/monitorcore/status"
)

// Wildcard is the disk_space_threshold entry that applies its percentage to
// every path not already explicitly listed.
const Wildcard = "*"

// Limit is one entry of a disk_space_threshold configuration list.
type Limit struct {
	Path       string
	MaxPercent float64
}

// ParseLimits parses a "path:percent[,path:percent...]" configuration
// string into a list of Limits.
func ParseLimits(spec string) ([]Limit, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	var limits []Limit
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("diskspace: malformed limit entry %q", entry)
		}
		pct, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("diskspace: malformed percentage in %q: %s", entry, err)
		}
		limits = append(limits, Limit{Path: strings.TrimSpace(parts[0]), MaxPercent: pct})
	}
	return limits, nil
}

// FormatLimits renders limits back into the "path:percent[,path:percent...]"
// form ParseLimits accepts, for round-tripping through persisted
// configuration.
func FormatLimits(limits []Limit) string {
	parts := make([]string, 0, len(limits))
	for _, l := range limits {
		parts = append(parts, fmt.Sprintf("%s:%s", l.Path, strconv.FormatFloat(l.MaxPercent, 'f', -1, 64)))
	}
	return strings.Join(parts, ",")
}

// resolve expands a wildcard limit against a concrete set of paths that
// were not already given an explicit entry, returning one flat, ordered
// list of (path, max_percent) pairs to actually check.
func resolve(limits []Limit, explicitPaths []string) []Limit {
	var wildcard *Limit
	seen := make(map[string]bool, len(explicitPaths))
	var out []Limit
	for i := range limits {
		if limits[i].Path == Wildcard {
			w := limits[i]
			wildcard = &w
			continue
		}
		seen[limits[i].Path] = true
		out = append(out, limits[i])
	}
	if wildcard != nil {
		for _, p := range explicitPaths {
			if !seen[p] {
				out = append(out, Limit{Path: p, MaxPercent: wildcard.MaxPercent})
			}
		}
	}
	return out
}

// Server is the subset of MonitoredServer state the checker needs. The
// monitor package fills one in from a monitor.MonitoredServer and its
// settings before each check.
type Server struct {
	CheckedAt      int64 // -1 disables checking permanently
	CheckInterval  int64 // ms; <= 0 disables checking
	Limits         []Limit
	KnownPaths     []string // mount paths this server is known to expose, for wildcard expansion
}

// ShouldCheck implements the trigger condition from the disk-space
// component: checking must be enabled, not permanently disabled, and there
// must be at least one limit configured.
func ShouldCheck(s Server) bool {
	if s.CheckInterval <= 0 {
		return false
	}
	if s.CheckedAt == -1 {
		return false
	}
	return len(s.Limits) > 0
}

// Checker runs the per-mount usage query against a backend connection and
// latches DISK_SPACE_EXHAUSTED on the pending status when any configured
// path exceeds its limit.
type Checker struct {
	Warnf func(format string, args ...interface{})
}

// Update runs one disk-space check pass over db for the given server state.
// It returns the (possibly modified) pending status and the new CheckedAt
// value to store (-1 means "permanently disabled"). Transient query
// failures are reported through Warnf and that path is skipped; the
// returned error is always nil.
func (c *Checker) Update(ctx context.Context, db *sqlx.DB, s Server, pending status.Status) (status.Status, int64, error) {
	toCheck := resolve(s.Limits, s.KnownPaths)
	if len(toCheck) == 0 {
		return pending, s.CheckedAt, nil
	}

	exhausted := false
	for _, lim := range toCheck {
		usage, err := dbhelper.DiskUsageByPath(ctx, db, lim.Path)
		if err != nil {
			if dbhelper.IsUnknownTable(err) {
				c.logf("disk-space information source absent, disabling checks for this server: %s", err)
				return pending, -1, nil
			}
			c.logf("transient disk-space query failure for %s: %s", lim.Path, err)
			continue
		}
		used := usage.UsedPercent()
		if used >= lim.MaxPercent {
			c.logf("mount %s at %s (limit %s)", lim.Path, humanize.FormatFloat("#.##", used)+"%", humanize.FormatFloat("#.##", lim.MaxPercent)+"%")
			exhausted = true
		}
	}

	if exhausted {
		pending |= status.DiskSpaceExhausted
	}
	return pending, s.CheckedAt, nil
}

func (c *Checker) logf(format string, args ...interface{}) {
	if c.Warnf != nil {
		c.Warnf(format, args...)
	}
}

// CheckLocalHeadroom reports the used-percentage of the local filesystem
// mounted at path. It is independent of the backend disk-space check above:
// it is used only by the journal writer to warn early when the monitor's
// own host is critically full, never to make a routing or status decision
// about a monitored backend.
func CheckLocalHeadroom(path string) (float64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("diskspace: local usage for %s: %s", path, err)
	}
	return usage.UsedPercent, nil
}
