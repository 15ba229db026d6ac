// Package script implements the templated external-command launcher the
// monitor worker invokes for a subscribed cluster event.
package script

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/signal18/monitorcore/event"
	"github.com/signal18/monitorcore/status"
)

// Node is the subset of topology state token substitution needs. It
// mirrors the fields monitor.MonitoredServer exposes for exactly this
// purpose.
type Node struct {
	Address  string
	Port     string
	NodeID   string
	MasterID string
	User     string
	Password string // plaintext, already decrypted by the caller
	Status   status.Status
}

func (n Node) addr() string {
	return fmt.Sprintf("[%s]:%s", n.Address, n.Port)
}

func (n Node) credentialed() string {
	return fmt.Sprintf("%s:%s@[%s]:%s", n.User, n.Password, n.Address, n.Port)
}

// findParent returns the node whose NodeID equals initiator.MasterID.
func findParent(nodes []Node, initiator Node) (Node, bool) {
	if initiator.MasterID == "" {
		return Node{}, false
	}
	for _, n := range nodes {
		if n.NodeID == initiator.MasterID {
			return n, true
		}
	}
	return Node{}, false
}

// childNodes returns every node whose MasterID equals initiator.NodeID.
func childNodes(nodes []Node, initiator Node) []Node {
	if initiator.NodeID == "" {
		return nil
	}
	var out []Node
	for _, n := range nodes {
		if n.MasterID == initiator.NodeID {
			out = append(out, n)
		}
	}
	return out
}

// renderNodeList joins nodes' addr() (or credentialed() when creds is
// true), comma-separated. This is append_node_names's two-mode renderer:
// plain [addr]:port lists versus the credentialed $CREDENTIALS form.
func renderNodeList(nodes []Node, creds bool) string {
	parts := make([]string, len(nodes))
	for i, n := range nodes {
		if creds {
			parts[i] = n.credentialed()
		} else {
			parts[i] = n.addr()
		}
	}
	return strings.Join(parts, ",")
}

func filterByRole(nodes []Node, bit status.Status) []Node {
	var out []Node
	for _, n := range nodes {
		if n.Status.Has(bit) {
			out = append(out, n)
		}
	}
	return out
}

func filterRunning(nodes []Node) []Node {
	var out []Node
	for _, n := range nodes {
		if n.Status.IsRunning() {
			out = append(out, n)
		}
	}
	return out
}

// buildTokens computes the full $TOKEN -> expansion table for one event
// firing, exactly per the token table.
func buildTokens(initiator Node, all []Node, evt event.Name) map[string]string {
	tokens := map[string]string{
		"$INITIATOR":  initiator.addr(),
		"$EVENT":      string(evt),
		"$NODELIST":   renderNodeList(filterRunning(all), false),
		"$LIST":       renderNodeList(all, false),
		"$MASTERLIST": renderNodeList(filterByRole(all, status.Master), false),
		"$SLAVELIST":  renderNodeList(filterByRole(all, status.Slave), false),
		"$SYNCEDLIST": renderNodeList(filterByRole(all, status.Joined), false),
		"$CREDENTIALS": renderNodeList(all, true),
	}
	if parent, ok := findParent(all, initiator); ok {
		tokens["$PARENT"] = parent.addr()
	} else {
		tokens["$PARENT"] = ""
	}
	tokens["$CHILDREN"] = renderNodeList(childNodes(all, initiator), false)
	return tokens
}

// substitute performs case-insensitive $TOKEN replacement over commandLine.
func substitute(commandLine string, tokens map[string]string) string {
	// build an uppercase-keyed lookup once, then walk the string
	// case-insensitively so "$initiator" and "$INITIATOR" both match.
	upper := make(map[string]string, len(tokens))
	for k, v := range tokens {
		upper[strings.ToUpper(k)] = v
	}
	var out strings.Builder
	i := 0
	for i < len(commandLine) {
		if commandLine[i] != '$' {
			out.WriteByte(commandLine[i])
			i++
			continue
		}
		matched := false
		for token, val := range upper {
			if i+len(token) <= len(commandLine) && strings.EqualFold(commandLine[i:i+len(token)], token) {
				out.WriteString(val)
				i += len(token)
				matched = true
				break
			}
		}
		if !matched {
			out.WriteByte(commandLine[i])
			i++
		}
	}
	return out.String()
}

// Outcome classifies how a script run ended.
type Outcome int

const (
	Success Outcome = iota
	NonZeroExit
	LaunchFailure
)

// Result reports the outcome, exit code (meaningful only for NonZeroExit),
// and the reconstructed argv for logging.
type Result struct {
	Outcome  Outcome
	ExitCode int
	Argv     []string
}

// Launcher runs the configured script for a fired event.
type Launcher struct {
	CommandLine string
	Timeout     time.Duration
}

// Run substitutes tokens, splits the resulting command line into argv, and
// executes it under Timeout, killing the process on deadline.
func (l *Launcher) Run(ctx context.Context, evt event.Name, initiator Node, all []Node) (Result, error) {
	if strings.TrimSpace(l.CommandLine) == "" {
		return Result{}, fmt.Errorf("script: no command configured")
	}

	tokens := buildTokens(initiator, all, evt)
	expanded := substitute(l.CommandLine, tokens)
	argv := strings.Fields(expanded)
	if len(argv) == 0 {
		return Result{}, fmt.Errorf("script: expanded command line is empty")
	}

	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	err := cmd.Run()

	result := Result{Argv: argv}
	if err == nil {
		result.Outcome = Success
		return result, nil
	}

	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		result.Outcome = NonZeroExit
		result.ExitCode = exitErr.ExitCode()
		return result, fmt.Errorf("script: %s exited %d", argv[0], result.ExitCode)
	}

	result.Outcome = LaunchFailure
	result.ExitCode = -1
	return result, fmt.Errorf("script: launch failed: %s", err)
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// ArgvString reconstructs a printable command line from a Result's Argv for
// log lines.
func ArgvString(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		if strings.ContainsAny(a, " \t\"") {
			quoted[i] = strconv.Quote(a)
		} else {
			quoted[i] = a
		}
	}
	return strings.Join(quoted, " ")
}
