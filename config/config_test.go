package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/signal18/monitorcore/event"
)

func TestLoad(t *testing.T) {
	v := viper.New()
	v.Set("backend_connect_timeout", 3)
	v.Set("backend_read_timeout", 5)
	v.Set("backend_write_timeout", 5)
	v.Set("backend_connect_attempts", 2)
	v.Set("monitor_interval", 1000)
	v.Set("journal_max_age", 600)
	v.Set("script", "/usr/local/bin/notify.sh")
	v.Set("script_timeout", 30)
	v.Set("events", []string{"master_down", "new_master"})
	v.Set("disk_space_check_interval", 60000)
	v.Set("disk_space_threshold", "/var/lib/mysql:90,*:95")
	v.Set("user", "monitor")
	v.Set("password", "encrypted-form")
	v.Set("servers", []string{"db1", "db2"})

	s, err := Load(v)
	if err != nil {
		t.Fatal(err)
	}
	if s.BackendConnectTimeout != 3*time.Second {
		t.Fatalf("got %v", s.BackendConnectTimeout)
	}
	if s.MonitorInterval != time.Second {
		t.Fatalf("got %v", s.MonitorInterval)
	}
	if !event.Subscribed(s.Events, event.MasterDown) || !event.Subscribed(s.Events, event.NewMaster) {
		t.Fatal("expected both configured events subscribed")
	}
	if event.Subscribed(s.Events, event.SlaveDown) {
		t.Fatal("did not expect unconfigured event to be subscribed")
	}
	if len(s.DiskSpaceThreshold) != 2 {
		t.Fatalf("got %d limits", len(s.DiskSpaceThreshold))
	}
	if len(s.Servers) != 2 {
		t.Fatalf("got %d servers", len(s.Servers))
	}
}

func TestLoadRejectsMalformedThreshold(t *testing.T) {
	v := viper.New()
	v.Set("disk_space_threshold", "not-valid")
	if _, err := Load(v); err == nil {
		t.Fatal("expected error for malformed disk_space_threshold")
	}
}

func TestEventNamesRoundTripsThroughParseEvents(t *testing.T) {
	mask := parseEvents([]string{"master_down", "new_master"})
	names := EventNames(mask)
	if len(names) != 2 || names[0] != "master_down" || names[1] != "new_master" {
		t.Fatalf("got %v", names)
	}
	if len(EventNames(0)) != 0 {
		t.Fatal("expected no names for an empty mask")
	}
}
