package manager

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/signal18/monitorcore/config"
	"github.com/signal18/monitorcore/diskspace"
	"github.com/signal18/monitorcore/event"
	"github.com/signal18/monitorcore/monitor"
	"github.com/signal18/monitorcore/probe"
)

func TestCreateRejectsUnknownModule(t *testing.T) {
	r := NewRegistry(t.TempDir())
	if _, err := r.Create("m1", "bogus", config.Settings{}, t.TempDir()); err == nil {
		t.Fatal("expected error for unknown module")
	}
}

func TestCreateAndFind(t *testing.T) {
	r := NewRegistry(t.TempDir())
	mon, err := r.Create("m1", "generic", config.Settings{}, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	found, err := r.FindByName("m1")
	if err != nil || found != mon {
		t.Fatalf("got %v, %v", found, err)
	}
}

func TestCreateRejectsDuplicateActiveName(t *testing.T) {
	r := NewRegistry(t.TempDir())
	if _, err := r.Create("m1", "generic", config.Settings{}, t.TempDir()); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Create("m1", "generic", config.Settings{}, t.TempDir()); err == nil {
		t.Fatal("expected duplicate name to be rejected")
	}
}

func TestDeactivateThenRepurpose(t *testing.T) {
	r := NewRegistry(t.TempDir())
	mon, err := r.Create("m1", "generic", config.Settings{}, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Deactivate("m1"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.FindByName("m1"); err == nil {
		t.Fatal("expected deactivated monitor to be invisible to FindByName")
	}
	repurposed, ok := r.Repurpose("m1", "generic")
	if !ok || repurposed != mon {
		t.Fatalf("expected Repurpose to reactivate the same monitor, got %v, %v", repurposed, ok)
	}
	if _, err := r.FindByName("m1"); err != nil {
		t.Fatal("expected repurposed monitor to be visible again")
	}
}

func TestSnapshot(t *testing.T) {
	r := NewRegistry(t.TempDir())
	r.Create("m1", "generic", config.Settings{}, t.TempDir())
	r.Create("m2", "galera", config.Settings{}, t.TempDir())

	snaps := r.Snapshot()
	if len(snaps) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(snaps))
	}
}

func TestDestroyAllOnEmptyRegistry(t *testing.T) {
	r := NewRegistry(t.TempDir())
	if err := r.DestroyAll(); err != nil {
		t.Fatal(err)
	}
}

func TestPersistWritesFragment(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)
	mon, err := r.Create("m1", "generic", config.Settings{}, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	settings := config.Settings{User: "monitor", Script: "/bin/true"}
	if err := r.Persist(mon, settings); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "m1.cnf")); err != nil {
		t.Fatalf("expected persistence file to exist: %s", err)
	}
}

func TestAddRemoveServerRestartsARunningMonitor(t *testing.T) {
	r := NewRegistry(t.TempDir())
	mon, err := r.Create("m1", "generic", config.Settings{}, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Start(context.Background(), "m1"); err != nil {
		t.Fatal(err)
	}
	defer r.Stop("m1")

	if err := r.AddServer(context.Background(), "m1", &probe.Server{Name: "db1"}); err != nil {
		t.Fatal(err)
	}
	if mon.State() != monitor.Running {
		t.Fatal("expected monitor to be running again after AddServer")
	}
	if servers := mon.Servers(); len(servers) != 1 || servers[0].Srv.Name != "db1" {
		t.Fatalf("got %v", servers)
	}

	if err := r.RemoveServer(context.Background(), "m1", "db1"); err != nil {
		t.Fatal(err)
	}
	if mon.State() != monitor.Running {
		t.Fatal("expected monitor to be running again after RemoveServer")
	}
	if len(mon.Servers()) != 0 {
		t.Fatal("expected server to be removed")
	}
}

func TestAddServerOnAStoppedMonitorDoesNotStartIt(t *testing.T) {
	r := NewRegistry(t.TempDir())
	mon, err := r.Create("m1", "generic", config.Settings{}, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if err := r.AddServer(context.Background(), "m1", &probe.Server{Name: "db1"}); err != nil {
		t.Fatal(err)
	}
	if mon.State() != monitor.Stopped {
		t.Fatal("expected AddServer on a stopped monitor to leave it stopped")
	}
	if len(mon.Servers()) != 1 {
		t.Fatal("expected the server to have been added")
	}
}

func TestAddServerRestartsEvenWhenMutateFails(t *testing.T) {
	r := NewRegistry(t.TempDir())
	mon, err := r.Create("m1", "generic", config.Settings{}, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := mon.AddServer(&probe.Server{Name: "db1"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Start(context.Background(), "m1"); err != nil {
		t.Fatal(err)
	}
	defer r.Stop("m1")

	if err := r.AddServer(context.Background(), "m1", &probe.Server{Name: "db1"}); err == nil {
		t.Fatal("expected duplicate server name to be rejected")
	}
	if mon.State() != monitor.Running {
		t.Fatal("expected the monitor to be restarted even though the mutation itself failed")
	}
}

func TestPersistWritesEveryRecognizedKey(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)
	mon, err := r.Create("m1", "generic", config.Settings{}, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	settings := config.Settings{
		BackendConnectTimeout:  3 * time.Second,
		BackendReadTimeout:     5 * time.Second,
		BackendWriteTimeout:    5 * time.Second,
		BackendConnectAttempts: 2,
		MonitorInterval:        time.Second,
		JournalMaxAge:          10 * time.Minute,
		Script:                 "/usr/local/bin/notify.sh",
		ScriptTimeout:          30 * time.Second,
		Events:                 event.MaskMasterDown | event.MaskNewMaster,
		DiskSpaceCheckInterval: time.Minute,
		DiskSpaceThreshold:     []diskspace.Limit{{Path: "/var/lib/mysql", MaxPercent: 90}},
		User:                   "monitor",
		Password:               "encrypted-form",
	}
	if err := r.Persist(mon, settings); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "m1.cnf"))
	if err != nil {
		t.Fatal(err)
	}
	body := string(raw)
	for _, key := range []string{
		"type=", "module=", "servers=",
		"user=monitor", "password=encrypted-form",
		"backend_connect_timeout=3", "backend_read_timeout=5", "backend_write_timeout=5",
		"backend_connect_attempts=2",
		"monitor_interval=1000", "journal_max_age=600",
		"script=/usr/local/bin/notify.sh", "script_timeout=30",
		"events=master_down,new_master",
		"disk_space_check_interval=60000",
		"disk_space_threshold=/var/lib/mysql:90",
	} {
		if !strings.Contains(body, key) {
			t.Fatalf("expected fragment to contain %q, got:\n%s", key, body)
		}
	}
}
