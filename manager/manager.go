// Package manager implements the process-wide monitor registry: create,
// start, stop, deactivate, and destroy monitors by name, all under a single
// mutex.
package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/juju/errors"

	"github.com/signal18/monitorcore/config"
	"github.com/signal18/monitorcore/diskspace"
	"github.com/signal18/monitorcore/module"
	"github.com/signal18/monitorcore/monitor"
	"github.com/signal18/monitorcore/probe"
)

// Registry is a process-wide, mutex-protected list of monitors. The zero
// value is ready to use.
type Registry struct {
	mu         sync.Mutex
	monitors   []*monitor.Monitor
	persistDir string
}

// NewRegistry constructs a Registry that writes persistence fragments under
// persistDir.
func NewRegistry(persistDir string) *Registry {
	return &Registry{persistDir: persistDir}
}

// Create constructs a new monitor from the named module, configures it, and
// inserts it at the head of the registry. If an inactive monitor with the
// same name and module already exists, Repurpose should be used instead;
// Create always makes a fresh Monitor.
func (r *Registry) Create(name, moduleID string, settings config.Settings, datadir string) (*monitor.Monitor, error) {
	mod, ok := module.New(moduleID)
	if !ok {
		return nil, fmt.Errorf("manager: unknown module %q", moduleID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.monitors {
		if m.Name == name && m.Active() {
			return nil, fmt.Errorf("manager: monitor %q already exists", name)
		}
	}

	mon := monitor.New(name, moduleID, mod, settings, datadir)
	r.monitors = append([]*monitor.Monitor{mon}, r.monitors...)
	return mon, nil
}

// Start is idempotent with respect to state: starting an already-running
// monitor is a no-op.
func (r *Registry) Start(ctx context.Context, name string) error {
	m, err := r.FindByName(name)
	if err != nil {
		return err
	}
	return m.Start(ctx)
}

// Stop is idempotent with respect to state.
func (r *Registry) Stop(name string) error {
	m, err := r.FindByName(name)
	if err != nil {
		return err
	}
	m.Stop()
	return nil
}

// Deactivate logically removes a monitor. The caller must stop it first;
// Deactivate does not stop it.
func (r *Registry) Deactivate(name string) error {
	m, err := r.FindByName(name)
	if err != nil {
		return err
	}
	m.Deactivate()
	return nil
}

// AddServer implements invariant 6: adding a server to a monitor atomically
// stops and restarts it if it was running, so the module's one-shot startup
// probe re-runs against the full, new server list. A stopped monitor is
// mutated in place with no restart.
func (r *Registry) AddServer(ctx context.Context, name string, s *probe.Server) error {
	m, err := r.FindByName(name)
	if err != nil {
		return err
	}
	return r.mutateAndRestart(ctx, m, func() error { return m.AddServer(s) })
}

// RemoveServer is the removal half of AddServer's stop/mutate/restart dance.
func (r *Registry) RemoveServer(ctx context.Context, name, serverName string) error {
	m, err := r.FindByName(name)
	if err != nil {
		return err
	}
	return r.mutateAndRestart(ctx, m, func() error { return m.RemoveServer(serverName) })
}

// mutateAndRestart stops m if it is running, runs mutate against the
// stopped monitor, and restarts it if it was running beforehand. If mutate
// fails, its error is returned, joined with the restart error when the
// restart fails too. If mutate succeeds, a restart failure is returned.
func (r *Registry) mutateAndRestart(ctx context.Context, m *monitor.Monitor, mutate func() error) error {
	wasRunning := m.State() == monitor.Running
	if wasRunning {
		m.Stop()
	}

	if err := mutate(); err != nil {
		if wasRunning {
			if restartErr := m.Start(ctx); restartErr != nil {
				return multierror.Append(fmt.Errorf("manager: %s", err), restartErr)
			}
		}
		return err
	}

	if wasRunning {
		if err := m.Start(ctx); err != nil {
			return errors.Annotatef(err, "manager: restarting %q after server list change", m.Name)
		}
	}
	return nil
}

// FindByName returns the active monitor with the given name.
func (r *Registry) FindByName(name string) (*monitor.Monitor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.monitors {
		if m.Name == name && m.Active() {
			return m, nil
		}
	}
	return nil, fmt.Errorf("manager: monitor %q not found", name)
}

// Repurpose reactivates a previously-deactivated monitor with the same
// name and module, so its history (servers, journal state in memory) can
// be reused instead of constructing a fresh Monitor.
func (r *Registry) Repurpose(name, moduleID string) (*monitor.Monitor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.monitors {
		if m.Name == name && m.ModuleID == moduleID && !m.Active() {
			m.Reactivate()
			return m, true
		}
	}
	return nil, false
}

// ForEach iterates the registry under the lock, calling fn for each
// monitor. fn may return false to stop iteration early.
func (r *Registry) ForEach(fn func(*monitor.Monitor) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.monitors {
		if !fn(m) {
			return
		}
	}
}

// Snapshot is the name, state and tick count of one active monitor, for a
// read-only listing.
type Snapshot struct {
	Name  string
	State monitor.State
	Ticks uint64
}

// Snapshot collects a point-in-time view of every active monitor.
func (r *Registry) Snapshot() []Snapshot {
	var out []Snapshot
	r.ForEach(func(m *monitor.Monitor) bool {
		if m.Active() {
			out = append(out, Snapshot{Name: m.Name, State: m.State(), Ticks: m.Ticks()})
		}
		return true
	})
	return out
}

// PopulateServices notifies an external router-layer collaborator of the
// current server membership for every active monitor. The collaborator is
// out of scope for this package; notify is the caller-supplied hook.
func (r *Registry) PopulateServices(notify func(monitorName string, serverNames []string)) {
	r.ForEach(func(m *monitor.Monitor) bool {
		if !m.Active() {
			return true
		}
		names := make([]string, 0)
		for _, ms := range m.Servers() {
			names = append(names, ms.Srv.Name)
		}
		notify(m.Name, names)
		return true
	})
}

// DestroyAll stops every active monitor, asserts each is stopped, and
// deactivates it. Errors from individual stops are aggregated rather than
// aborting the teardown early.
func (r *Registry) DestroyAll() error {
	var result *multierror.Error
	r.ForEach(func(m *monitor.Monitor) bool {
		if !m.Active() {
			return true
		}
		m.Stop()
		if m.State() != monitor.Stopped {
			result = multierror.Append(result, fmt.Errorf("manager: monitor %q did not stop", m.Name))
		}
		m.Deactivate()
		return true
	})
	return result.ErrorOrNil()
}

// Persist writes a key=value configuration fragment for the named monitor
// to <persistdir>/<name>.cnf via temp+rename. Every key config.Load
// recognizes is written. The list-valued keys (servers, events) are written
// comma-joined, while config.Load reads them as string slices, which split a
// single string value on whitespace, not on commas; a fragment holding more
// than one server or event does not read back unchanged through config.Load.
func (r *Registry) Persist(m *monitor.Monitor, settings config.Settings) error {
	if r.persistDir == "" {
		return errors.New("manager: no persist directory configured")
	}
	if err := os.MkdirAll(r.persistDir, 0o750); err != nil {
		return errors.Annotate(err, "manager: creating persist directory")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "type=monitor\n")
	fmt.Fprintf(&b, "module=%s\n", m.ModuleID)
	names := make([]string, 0)
	for _, ms := range m.Servers() {
		names = append(names, ms.Srv.Name)
	}
	fmt.Fprintf(&b, "servers=%s\n", strings.Join(names, ","))
	fmt.Fprintf(&b, "user=%s\n", settings.User)
	fmt.Fprintf(&b, "password=%s\n", settings.Password)
	fmt.Fprintf(&b, "backend_connect_timeout=%d\n", int64(settings.BackendConnectTimeout.Seconds()))
	fmt.Fprintf(&b, "backend_read_timeout=%d\n", int64(settings.BackendReadTimeout.Seconds()))
	fmt.Fprintf(&b, "backend_write_timeout=%d\n", int64(settings.BackendWriteTimeout.Seconds()))
	fmt.Fprintf(&b, "backend_connect_attempts=%d\n", settings.BackendConnectAttempts)
	fmt.Fprintf(&b, "monitor_interval=%d\n", settings.MonitorInterval.Milliseconds())
	fmt.Fprintf(&b, "journal_max_age=%d\n", int64(settings.JournalMaxAge.Seconds()))
	fmt.Fprintf(&b, "script=%s\n", settings.Script)
	fmt.Fprintf(&b, "script_timeout=%d\n", int64(settings.ScriptTimeout.Seconds()))
	fmt.Fprintf(&b, "events=%s\n", strings.Join(config.EventNames(settings.Events), ","))
	fmt.Fprintf(&b, "disk_space_check_interval=%d\n", settings.DiskSpaceCheckInterval.Milliseconds())
	fmt.Fprintf(&b, "disk_space_threshold=%s\n", diskspace.FormatLimits(settings.DiskSpaceThreshold))

	target := filepath.Join(r.persistDir, m.Name+".cnf")
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o640); err != nil {
		return errors.Annotatef(err, "manager: writing %s", tmp)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return errors.Annotatef(err, "manager: renaming %s to %s", tmp, target)
	}
	return nil
}
