package monitor

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/signal18/monitorcore/config"
	"github.com/signal18/monitorcore/diskspace"
	"github.com/signal18/monitorcore/event"
	"github.com/signal18/monitorcore/module"
	"github.com/signal18/monitorcore/probe"
	"github.com/signal18/monitorcore/status"
)

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	mon := New("m1", "generic", nil, config.Settings{MonitorInterval: 0}, t.TempDir())
	return mon
}

func TestAddServerRejectsDuplicate(t *testing.T) {
	mon := newTestMonitor(t)
	if err := mon.AddServer(&probe.Server{Name: "db1"}); err != nil {
		t.Fatal(err)
	}
	if err := mon.AddServer(&probe.Server{Name: "db1"}); err == nil {
		t.Fatal("expected duplicate add to be rejected")
	}
	if len(mon.Servers()) != 1 {
		t.Fatalf("got %d servers, want 1", len(mon.Servers()))
	}
}

func TestRemoveServer(t *testing.T) {
	mon := newTestMonitor(t)
	mon.AddServer(&probe.Server{Name: "db1"})
	if err := mon.RemoveServer("db1"); err != nil {
		t.Fatal(err)
	}
	if len(mon.Servers()) != 0 {
		t.Fatal("expected server to be removed")
	}
	if err := mon.RemoveServer("db1"); err == nil {
		t.Fatal("expected error removing a server that is not present")
	}
}

func TestSetServerStatusWhileStopped(t *testing.T) {
	mon := newTestMonitor(t)
	mon.AddServer(&probe.Server{Name: "db1"})
	if err := mon.SetServerStatus("db1", status.Maint); err != nil {
		t.Fatal(err)
	}
	ms, _ := mon.find("db1")
	if !ms.Srv.Status().IsInMaint() {
		t.Fatal("expected MAINT to be applied directly while stopped")
	}
}

func TestSetServerStatusUnknownServer(t *testing.T) {
	mon := newTestMonitor(t)
	if err := mon.SetServerStatus("ghost", status.Maint); err == nil {
		t.Fatal("expected error for unknown server")
	}
}

func TestSetServerStatusIllegalBit(t *testing.T) {
	mon := newTestMonitor(t)
	mon.AddServer(&probe.Server{Name: "db1"})
	if err := mon.SetServerStatus("db1", status.Master); err == nil {
		t.Fatal("expected illegal bit to be rejected")
	}
}

func TestDeactivateReactivate(t *testing.T) {
	mon := newTestMonitor(t)
	if !mon.Active() {
		t.Fatal("expected new monitor to be active")
	}
	mon.Deactivate()
	if mon.Active() {
		t.Fatal("expected monitor to be inactive after Deactivate")
	}
	mon.Reactivate()
	if !mon.Active() {
		t.Fatal("expected monitor to be active after Reactivate")
	}
}

func TestClassifyAndDispatchTracksMasterSwitch(t *testing.T) {
	mon := newTestMonitor(t)
	mon.settings.Events = event.MaskMasterDown | event.MaskNewMaster
	mon.launcher.CommandLine = "" // skip actually spawning a script

	oldMaster := &MonitoredServer{Srv: &probe.Server{Name: "old"}}
	oldMaster.Srv.SetStatus(status.Running)
	oldMaster.prevStatus = status.Running | status.Master

	newMaster := &MonitoredServer{Srv: &probe.Server{Name: "new"}}
	newMaster.Srv.SetStatus(status.Running | status.Master)
	newMaster.prevStatus = status.Running | status.Slave

	mon.classifyAndDispatch(context.Background(), []*MonitoredServer{oldMaster, newMaster})

	if !oldMaster.hasEvent || oldMaster.lastEvent != event.LostMaster {
		t.Fatalf("got %v, %v", oldMaster.hasEvent, oldMaster.lastEvent)
	}
	if !newMaster.hasEvent || newMaster.lastEvent != event.NewMaster {
		t.Fatalf("got %v, %v", newMaster.hasEvent, newMaster.lastEvent)
	}
	if mon.rootMaster != "new" {
		t.Fatalf("got root master %q, want new", mon.rootMaster)
	}
}

func TestShouldHangUp(t *testing.T) {
	cases := []struct {
		name       string
		prev, curr status.Status
		want       bool
	}{
		{"generic server stays not-in-cluster", status.Running, status.Running, false},
		{"usable server changes into unusable", status.Running | status.Master, status.Maint, false /* Maint on either side is not observable */},
		{"running server loses its role bit", status.Running | status.Master, status.Running, true},
		{"role bit is gained, not lost", status.Running, status.Running | status.Master, false},
		{"both sides down", 0, 0, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := shouldHangUp(c.prev, c.curr); got != c.want {
				t.Fatalf("shouldHangUp(%v, %v) = %v, want %v", c.prev, c.curr, got, c.want)
			}
		})
	}
}

func newMockedServer(t *testing.T, name string) (*MonitoredServer, sqlmock.Sqlmock) {
	t.Helper()
	rawDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rawDB.Close() })
	ms := &MonitoredServer{Srv: &probe.Server{Name: name}, db: sqlx.NewDb(rawDB, "sqlmock")}
	return ms, mock
}

func TestTickDoesNotHangUpGenericServerEveryTick(t *testing.T) {
	mon := newTestMonitor(t)
	mon.mod = &module.Generic{}

	ms, mock := newMockedServer(t, "db1")
	ms.Srv.SetStatus(status.Running)
	mock.ExpectPing()
	mock.ExpectPing()
	mon.servers = []*MonitoredServer{ms}

	mon.tick(context.Background())
	if ms.db == nil {
		t.Fatal("expected connection to survive the first tick: status never changed")
	}

	mon.tick(context.Background())
	if ms.db == nil {
		t.Fatal("expected connection to survive the second tick too, even though a Generic server is never IsInCluster")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestTickHangsUpOnStatusChangeIntoNotInCluster(t *testing.T) {
	mon := newTestMonitor(t)
	mon.mod = &fixedRoleModule{roleBits: 0} // this tick's probe finds no role bit at all

	ms, mock := newMockedServer(t, "db1")
	ms.Srv.SetStatus(status.Running | status.Master)
	mock.ExpectPing()
	mon.servers = []*MonitoredServer{ms}

	mon.tick(context.Background())
	if ms.db != nil {
		t.Fatal("expected connection to be closed when the server lost its role bit this tick")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

// fixedRoleModule is a module.Module stub whose Tick always folds a fixed
// role bit into the server's pending status, for exercising tick()'s
// hang-up gating without a real backend query.
type fixedRoleModule struct{ roleBits status.Status }

func (f *fixedRoleModule) Configure(config.Settings) error { return nil }
func (f *fixedRoleModule) HasSufficientPermissions(ctx context.Context, db *sqlx.DB) error {
	return nil
}
func (f *fixedRoleModule) Tick(ctx context.Context, s module.ServerView) error {
	s.SetPending(f.UpdateServerStatus(s.Pending(), f.roleBits))
	return nil
}
func (f *fixedRoleModule) ImmediateTickRequired() bool { return false }
func (f *fixedRoleModule) UpdateServerStatus(current, roleBits status.Status) status.Status {
	const roleMask = status.Master | status.Slave | status.Joined | status.Ndb
	return (current &^ roleMask) | (roleBits & roleMask)
}
func (f *fixedRoleModule) Diagnostics() map[string]interface{} { return nil }

func TestCheckDiskSpaceExpandsWildcardAgainstKnownPaths(t *testing.T) {
	mon := newTestMonitor(t)
	mon.settings.DiskSpaceThreshold = []diskspace.Limit{{Path: diskspace.Wildcard, MaxPercent: 50}}

	ms, mock := newMockedServer(t, "db1")
	ms.pendingStatus = status.Running

	mock.ExpectQuery("SELECT DISTINCT Path FROM information_schema.disks").WillReturnRows(
		sqlmock.NewRows([]string{"Path"}).AddRow("/var/lib/mysql"))
	mock.ExpectQuery("SELECT Disk_used, Disk_available FROM information_schema.disks WHERE Path").
		WithArgs("/var/lib/mysql").
		WillReturnRows(sqlmock.NewRows([]string{"Disk_used", "Disk_available"}).AddRow(900, 100))

	mon.checkDiskSpace(context.Background(), ms)

	if !ms.pendingStatus.Has(status.DiskSpaceExhausted) {
		t.Fatal("expected the wildcard limit, expanded against KnownPaths, to flag exhaustion")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCheckDiskSpaceSkipsKnownPathsLookupWithoutAWildcard(t *testing.T) {
	mon := newTestMonitor(t)
	mon.settings.DiskSpaceThreshold = []diskspace.Limit{{Path: "/var/lib/mysql", MaxPercent: 50}}

	ms, mock := newMockedServer(t, "db1")
	ms.pendingStatus = status.Running

	mock.ExpectQuery("SELECT Disk_used, Disk_available FROM information_schema.disks WHERE Path").
		WithArgs("/var/lib/mysql").
		WillReturnRows(sqlmock.NewRows([]string{"Disk_used", "Disk_available"}).AddRow(100, 900))

	mon.checkDiskSpace(context.Background(), ms)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestStateString(t *testing.T) {
	if Stopped.String() != "STOPPED" || Running.String() != "RUNNING" {
		t.Fatal("unexpected State.String() output")
	}
}
