// Package monitor implements the per-cluster worker: the tick loop that
// drains administrative requests, probes every backend, classifies events,
// launches scripts, and persists the crash-recovery journal.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/signal18/monitorcore/config"
	"github.com/signal18/monitorcore/crypto"
	"github.com/signal18/monitorcore/dbhelper"
	"github.com/signal18/monitorcore/diskspace"
	"github.com/signal18/monitorcore/event"
	"github.com/signal18/monitorcore/journal"
	"github.com/signal18/monitorcore/mailbox"
	"github.com/signal18/monitorcore/module"
	"github.com/signal18/monitorcore/monlog"
	"github.com/signal18/monitorcore/probe"
	"github.com/signal18/monitorcore/script"
	"github.com/signal18/monitorcore/status"
)

// basePollPeriod is the worker's outer polling granularity; the interval a
// monitor is actually configured with can be coarser, but the loop never
// sleeps longer than this before re-checking the mailbox/immediate-tick hint.
const basePollPeriod = 100 * time.Millisecond

// State is a Monitor's lifecycle state.
type State int32

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "RUNNING"
	}
	return "STOPPED"
}

// MonitoredServer is owned by exactly one Monitor and carries the scratch
// state a tick mutates before publishing to Srv.Status().
type MonitoredServer struct {
	Srv *probe.Server

	db *sqlx.DB

	prevStatus    status.Status
	pendingStatus status.Status

	errCount           int
	failLoggedThisSpan bool

	diskSpaceCheckedAt int64 // -1 disables

	statusRequest mailbox.RequestSlot

	lastEvent  event.Name
	hasEvent   bool
	triggeredAt time.Time

	// NodeID/MasterID identify this server's position in the replication
	// topology for $PARENT/$CHILDREN script substitution. Populated by the
	// module's Tick via SetTopology; empty means "unknown" (generic module,
	// or not yet probed).
	NodeID   string
	MasterID string
}

// Address implements module.ServerView.
func (m *MonitoredServer) Address() (host, port string) { return m.Srv.Address, m.Srv.Port }

// Pending implements module.ServerView.
func (m *MonitoredServer) Pending() status.Status { return m.pendingStatus }

// SetPending implements module.ServerView.
func (m *MonitoredServer) SetPending(s status.Status) { m.pendingStatus = s }

// DB implements module.ServerView.
func (m *MonitoredServer) DB() *sqlx.DB { return m.db }

// SetTopology implements module.ServerView.
func (m *MonitoredServer) SetTopology(nodeID, masterID string) {
	m.NodeID = nodeID
	m.MasterID = masterID
}

func (m *MonitoredServer) scriptNode(defaultUser, password string) script.Node {
	return script.Node{
		Address:  m.Srv.Address,
		Port:     m.Srv.Port,
		NodeID:   m.NodeID,
		MasterID: m.MasterID,
		User:     m.effectiveUser(defaultUser),
		Password: password,
		Status:   m.Srv.Status(),
	}
}

func (m *MonitoredServer) effectiveUser(monitorDefault string) string {
	if m.Srv.User != "" {
		return m.Srv.User
	}
	return monitorDefault
}

// Monitor owns one cluster's worker loop.
type Monitor struct {
	Name     string
	ModuleID string

	mod      module.Module
	settings config.Settings
	logger   *monlog.Logger

	mu      sync.Mutex
	servers []*MonitoredServer
	active  bool

	state     int32 // State, accessed atomically
	ticks     uint64
	checkFlag mailbox.CheckFlagSlot

	rootMaster string // server name, "" if none elected

	writer  *journal.Writer
	datadir string

	launcher *script.Launcher

	cancel context.CancelFunc
	done   chan struct{}
	ready  chan struct{}
}

// New constructs a Monitor. It does not start the worker.
func New(name, moduleID string, mod module.Module, settings config.Settings, datadir string) *Monitor {
	return &Monitor{
		Name:     name,
		ModuleID: moduleID,
		mod:      mod,
		settings: settings,
		logger:   monlog.For(name),
		active:   true,
		state:    int32(Stopped),
		datadir:  datadir,
		writer:   &journal.Writer{Datadir: datadir, MonitorName: name},
		launcher: &script.Launcher{CommandLine: settings.Script, Timeout: settings.ScriptTimeout},
	}
}

// State reports the current lifecycle state.
func (mon *Monitor) State() State { return State(atomic.LoadInt32(&mon.state)) }

// Active reports whether the monitor has not been deactivated.
func (mon *Monitor) Active() bool {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	return mon.active
}

// Servers returns a snapshot slice of the currently monitored servers. The
// slice itself is a copy; the *MonitoredServer values are shared.
func (mon *Monitor) Servers() []*MonitoredServer {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	out := make([]*MonitoredServer, len(mon.servers))
	copy(out, mon.servers)
	return out
}

// AddServer appends a server. Per invariant, this must only be called while
// the monitor is stopped; the manager enforces the stop/mutate/restart
// dance.
func (mon *Monitor) AddServer(s *probe.Server) error {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	for _, existing := range mon.servers {
		if existing.Srv.Name == s.Name {
			return fmt.Errorf("monitor: server %q already present in monitor %q", s.Name, mon.Name)
		}
	}
	mon.servers = append(mon.servers, &MonitoredServer{Srv: s, diskSpaceCheckedAt: 0})
	return nil
}

// RemoveServer removes a server by name. Same stopped-monitor precondition
// as AddServer.
func (mon *Monitor) RemoveServer(name string) error {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	for i, existing := range mon.servers {
		if existing.Srv.Name == name {
			mon.servers = append(mon.servers[:i], mon.servers[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("monitor: server %q not found in monitor %q", name, mon.Name)
}

// SetServerStatus is the admin-facing entry point for §4.7's "set" half.
func (mon *Monitor) SetServerStatus(name string, bit status.Status) error {
	ms, err := mon.find(name)
	if err != nil {
		return err
	}
	running := mon.State() == Running
	return mailbox.SetServerStatus(running, &ms.statusRequest, &mon.checkFlag, ms.Srv.StatusPtr(), bit, mon.logger.Warnf)
}

// ClearServerStatus is the admin-facing entry point for §4.7's "clear" half.
func (mon *Monitor) ClearServerStatus(name string, bit status.Status) error {
	ms, err := mon.find(name)
	if err != nil {
		return err
	}
	running := mon.State() == Running
	return mailbox.ClearServerStatus(running, &ms.statusRequest, &mon.checkFlag, ms.Srv.StatusPtr(), bit, mon.logger.Warnf)
}

func (mon *Monitor) find(name string) (*MonitoredServer, error) {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	for _, ms := range mon.servers {
		if ms.Srv.Name == name {
			return ms, nil
		}
	}
	return nil, fmt.Errorf("monitor: server %q not found in monitor %q", name, mon.Name)
}

// Start loads the journal, runs the one-shot permission probe, and spawns
// the worker goroutine. It blocks until the worker has confirmed startup.
func (mon *Monitor) Start(ctx context.Context) error {
	if mon.State() == Running {
		return nil
	}

	reader := &journal.Reader{Datadir: mon.datadir, MonitorName: mon.Name, MaxAge: mon.settings.JournalMaxAge, Warnf: mon.logger.Warnf}
	if payload, ok, err := reader.Load(); err != nil {
		mon.logger.Warnf("journal load error: %s", err)
	} else if ok {
		mon.applyJournal(payload)
	}

	if err := mon.mod.Configure(mon.settings); err != nil {
		return fmt.Errorf("monitor: configure failed: %s", err)
	}

	if err := mon.testPermissions(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	mon.cancel = cancel
	mon.done = make(chan struct{})
	mon.ready = make(chan struct{})

	atomic.StoreInt32(&mon.state, int32(Running))
	go mon.run(runCtx)

	select {
	case <-mon.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// testPermissions implements the supplemented one-shot startup probe: for
// each server, connect and run the module's test query. Connection-level
// access-denied is fatal; query-level permission failures are logged and
// tolerated.
func (mon *Monitor) testPermissions(ctx context.Context) error {
	for _, ms := range mon.Servers() {
		db, _, err := probe.PingOrConnect(ctx, nil, mon.probeSettings(ms))
		if err != nil {
			if dbhelper.IsAccessDenied(err) {
				return fmt.Errorf("monitor: access denied connecting to %s: %s", ms.Srv.Name, err)
			}
			mon.logger.Warnf("startup probe: could not reach %s: %s", ms.Srv.Name, err)
			continue
		}
		if err := mon.mod.HasSufficientPermissions(ctx, db); err != nil {
			if dbhelper.IsAccessDenied(err) {
				db.Close()
				return fmt.Errorf("monitor: access denied running permission probe on %s: %s", ms.Srv.Name, err)
			}
			mon.logger.Warnf("startup probe: %s lacks a grant: %s", ms.Srv.Name, err)
		}
		ms.db = db
	}
	return nil
}

func (mon *Monitor) probeSettings(ms *MonitoredServer) probe.Settings {
	user := ms.effectiveUser(mon.settings.User)
	pass := ms.Srv.EncryptedPassword
	if ms.Srv.User == "" {
		// no per-server override: use the monitor-level encrypted password.
		pass.CipherText = mon.settings.Password
	}
	return probe.Settings{
		Host:            ms.Srv.Address,
		Port:            ms.Srv.Port,
		Creds:           probe.Credentials{User: user, EncryptedPass: pass},
		ConnectTimeout:  mon.settings.BackendConnectTimeout,
		ReadTimeout:     mon.settings.BackendReadTimeout,
		WriteTimeout:    mon.settings.BackendWriteTimeout,
		ConnectAttempts: mon.settings.BackendConnectAttempts,
	}
}

func (mon *Monitor) applyJournal(p journal.Payload) {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	byName := make(map[string]*MonitoredServer, len(mon.servers))
	for _, ms := range mon.servers {
		byName[ms.Srv.Name] = ms
	}
	for _, entry := range p.Servers {
		if ms, ok := byName[entry.Name]; ok {
			ms.prevStatus = entry.Status
			ms.pendingStatus = entry.Status
			ms.Srv.SetStatus(entry.Status)
		}
	}
	if p.HasMaster {
		mon.rootMaster = p.RootMaster
	}
}

// Stop signals the worker to exit, waits for it, and closes every open
// backend connection.
func (mon *Monitor) Stop() {
	if mon.State() != Running {
		return
	}
	mon.cancel()
	<-mon.done
	atomic.StoreInt32(&mon.state, int32(Stopped))

	for _, ms := range mon.Servers() {
		if ms.db != nil {
			ms.db.Close()
			ms.db = nil
		}
	}
}

func (mon *Monitor) run(ctx context.Context) {
	defer close(mon.done)
	close(mon.ready)

	interval := mon.settings.MonitorInterval
	if interval <= 0 {
		interval = time.Second
	}

	lastTick := time.Now().Add(-interval) // force an immediate first tick
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		elapsed := time.Since(lastTick)
		due := elapsed >= interval || mon.checkFlag.Load() == mailbox.Check || mon.mod.ImmediateTickRequired()
		if due {
			mon.tick(ctx)
			lastTick = time.Now()
			elapsed = 0
		}

		wait := basePollPeriod
		if remaining := interval - elapsed; remaining > 0 && remaining < wait {
			wait = remaining
		}
		timer.Reset(wait)
	}
}

// tick performs the seven-step body from §4.8, in order.
func (mon *Monitor) tick(ctx context.Context) {
	servers := mon.Servers()

	// 1. Drain AdminMailbox.
	mon.checkFlag.Exchange(mailbox.NoCheck)
	for _, ms := range servers {
		drained := mailbox.DrainOne(&ms.statusRequest, ms.Srv.Status())
		if drained != ms.Srv.Status() {
			ms.Srv.SetStatus(drained)
		}
	}

	// 2. Probe every non-maintenance server.
	for _, ms := range servers {
		current := ms.Srv.Status()
		if current.IsInMaint() {
			continue
		}
		ms.prevStatus = current
		ms.pendingStatus = current
		mon.probeOne(ctx, ms)
	}

	// 3. Increment ticks.
	atomic.AddUint64(&mon.ticks, 1)

	// 4. Publish pending -> effective.
	for _, ms := range servers {
		if ms.Srv.Status().IsInMaint() {
			continue
		}
		ms.Srv.SetStatus(ms.pendingStatus)
	}

	// 5. Classify events, invoke scripts.
	mon.classifyAndDispatch(ctx, servers)

	// 6. Hang up connections for servers whose status changed into
	// not-usable/not-in-cluster this tick.
	for _, ms := range servers {
		if ms.db != nil && shouldHangUp(ms.prevStatus, ms.Srv.Status()) {
			ms.db.Close()
			ms.db = nil
		}
	}

	// 7. Persist journal.
	mon.persistJournal(servers)
}

func (mon *Monitor) probeOne(ctx context.Context, ms *MonitoredServer) {
	db, result, err := probe.PingOrConnect(ctx, ms.db, mon.probeSettings(ms))
	ms.db = db

	if err == nil {
		wasDown := !ms.prevStatus.IsRunning()
		ms.pendingStatus = ms.pendingStatus &^ status.AuthError
		ms.pendingStatus |= status.Running
		ms.errCount = 0
		ms.failLoggedThisSpan = false
		if wasDown {
			mon.logger.WithServer(ms.Srv.Name).Infof("server is back up (%s)", result)
		}

		if diskspace.ShouldCheck(diskspace.Server{
			CheckedAt:     ms.diskSpaceCheckedAt,
			CheckInterval: int64(mon.settings.DiskSpaceCheckInterval / time.Millisecond),
			Limits:        mergeDiskLimits(mon.settings.DiskSpaceThreshold, ms.Srv.DiskLimits),
		}) {
			mon.checkDiskSpace(ctx, ms)
		}

		if err := mon.mod.Tick(ctx, ms); err != nil {
			mon.logger.WithServer(ms.Srv.Name).Warnf("module tick failed: %s", err)
		}
		return
	}

	sticky := ms.pendingStatus & status.WasMaster
	ms.pendingStatus = sticky
	if dbhelper.IsAccessDenied(err) {
		ms.pendingStatus |= status.AuthError
	}
	ms.errCount++
	if !ms.failLoggedThisSpan {
		mon.logger.WithServer(ms.Srv.Name).Warnf("probe failed: %s (%s)", err, result)
		ms.failLoggedThisSpan = true
	}
}

// shouldHangUp reports whether a server's connection should be torn down
// because its status changed into not-usable/not-in-cluster this tick.
// Gated on status.Observable so a server that has been not-in-cluster all
// along (e.g. a Generic-module server, which never carries a role bit) does
// not have its connection torn down and reopened on every single tick.
func shouldHangUp(prev, curr status.Status) bool {
	return status.Observable(prev, curr) && (!curr.IsUsable() || !curr.IsInCluster())
}

func mergeDiskLimits(monitorDefault, perServer []diskspace.Limit) []diskspace.Limit {
	if len(perServer) > 0 {
		return perServer
	}
	return monitorDefault
}

func hasWildcard(limits []diskspace.Limit) bool {
	for _, l := range limits {
		if l.Path == diskspace.Wildcard {
			return true
		}
	}
	return false
}

func (mon *Monitor) checkDiskSpace(ctx context.Context, ms *MonitoredServer) {
	checker := &diskspace.Checker{Warnf: func(f string, a ...interface{}) {
		mon.logger.WithServer(ms.Srv.Name).Warnf(f, a...)
	}}
	limits := mergeDiskLimits(mon.settings.DiskSpaceThreshold, ms.Srv.DiskLimits)

	var knownPaths []string
	if hasWildcard(limits) {
		paths, err := dbhelper.KnownDiskPaths(ctx, ms.db)
		if err != nil && !dbhelper.IsUnknownTable(err) {
			mon.logger.WithServer(ms.Srv.Name).Warnf("could not list known disk paths for wildcard expansion: %s", err)
		}
		knownPaths = paths
	}

	next, checkedAt, err := checker.Update(ctx, ms.db, diskspace.Server{
		CheckedAt:  ms.diskSpaceCheckedAt,
		Limits:     limits,
		KnownPaths: knownPaths,
	}, ms.pendingStatus)
	if err != nil {
		mon.logger.WithServer(ms.Srv.Name).Warnf("disk space check failed: %s", err)
		return
	}
	ms.pendingStatus = next
	ms.diskSpaceCheckedAt = checkedAt
}

func (mon *Monitor) classifyAndDispatch(ctx context.Context, servers []*MonitoredServer) {
	var sawMasterDown, sawMasterUpOrNew bool

	for _, ms := range servers {
		curr := ms.Srv.Status()
		if !status.Observable(ms.prevStatus, curr) {
			continue
		}
		name, ok := event.Classify(ms.prevStatus, curr)
		if !ok {
			continue
		}
		ms.lastEvent = name
		ms.hasEvent = true
		ms.triggeredAt = time.Now()

		if event.IsMasterDown(name) {
			sawMasterDown = true
		}
		if event.IsMasterUpOrNew(name) {
			sawMasterUpOrNew = true
			mon.rootMaster = ms.Srv.Name
		}

		if event.Subscribed(mon.settings.Events, name) {
			mon.dispatchScript(ctx, ms, servers, name)
		}
	}

	if sawMasterDown && sawMasterUpOrNew {
		mon.logger.Infof("master switch detected in this tick")
	}
}

func (mon *Monitor) dispatchScript(ctx context.Context, initiator *MonitoredServer, servers []*MonitoredServer, name event.Name) {
	if mon.launcher.CommandLine == "" {
		return
	}
	plaintext, err := mon.decryptFor(initiator)
	if err != nil {
		mon.logger.WithServer(initiator.Srv.Name).Warnf("could not decrypt credentials for script: %s", err)
		return
	}
	defer crypto.Zero(plaintext)

	initiatorNode := initiator.scriptNode(mon.settings.User, string(plaintext))
	nodes := make([]script.Node, 0, len(servers))
	for _, ms := range servers {
		var nodePass string
		if ms == initiator {
			nodePass = string(plaintext)
		} else if pw, err := mon.decryptFor(ms); err == nil {
			nodePass = string(pw)
			defer crypto.Zero(pw)
		}
		nodes = append(nodes, ms.scriptNode(mon.settings.User, nodePass))
	}

	result, err := mon.launcher.Run(ctx, name, initiatorNode, nodes)
	if err != nil {
		mon.logger.Warnf("script %s: %s", script.ArgvString(result.Argv), err)
		return
	}
	mon.logger.Infof("script %s completed successfully", script.ArgvString(result.Argv))
}

func (mon *Monitor) decryptFor(ms *MonitoredServer) ([]byte, error) {
	pass := ms.Srv.EncryptedPassword
	if ms.Srv.User == "" {
		pass.CipherText = mon.settings.Password
	}
	if pass.CipherText == "" {
		return nil, nil
	}
	return pass.DecryptBytes()
}

func (mon *Monitor) persistJournal(servers []*MonitoredServer) {
	payload := journal.Payload{}
	for _, ms := range servers {
		payload.Servers = append(payload.Servers, journal.ServerEntry{Name: ms.Srv.Name, Status: ms.Srv.Status()})
	}
	if mon.rootMaster != "" {
		payload.RootMaster = mon.rootMaster
		payload.HasMaster = true
	}
	if err := mon.writer.Persist(payload); err != nil {
		mon.logger.Warnf("journal persist failed, will retry next tick: %s", err)
	}
}

// Ticks returns the number of ticks executed so far.
func (mon *Monitor) Ticks() uint64 { return atomic.LoadUint64(&mon.ticks) }

// Deactivate marks the monitor as logically deleted. The caller is
// responsible for stopping it first.
func (mon *Monitor) Deactivate() {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	mon.active = false
}

// Reactivate reverses Deactivate, used by manager.Repurpose.
func (mon *Monitor) Reactivate() {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	mon.active = true
}
