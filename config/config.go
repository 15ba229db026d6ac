// Package config reads the monitoring core's recognized configuration keys
// from a viper.Viper instance into a typed Settings value, the way the
// teacher's cmd layer pulls named flags/keys out of viper.
package config

import (
	"sort"
	"time"

	"github.com/spf13/viper"

	"github.com/signal18/monitorcore/diskspace"
	"github.com/signal18/monitorcore/event"
)

// Settings is the typed, validated view of every key the core recognizes.
type Settings struct {
	BackendConnectTimeout  time.Duration
	BackendReadTimeout     time.Duration
	BackendWriteTimeout    time.Duration
	BackendConnectAttempts int

	MonitorInterval time.Duration
	JournalMaxAge   time.Duration

	Script        string
	ScriptTimeout time.Duration

	Events event.Mask

	DiskSpaceCheckInterval time.Duration
	DiskSpaceThreshold     []diskspace.Limit

	User     string
	Password string // encrypted form, as stored in configuration

	Servers []string
}

// eventBitByKey maps the lowercase configuration token for an event to its
// event.Mask bit, used to parse the "events" key.
var eventBitByKey = map[string]event.Mask{
	"master_up":   event.MaskMasterUp,
	"master_down": event.MaskMasterDown,
	"slave_up":    event.MaskSlaveUp,
	"slave_down":  event.MaskSlaveDown,
	"synced_up":   event.MaskSyncedUp,
	"synced_down": event.MaskSyncedDown,
	"ndb_up":      event.MaskNdbUp,
	"ndb_down":    event.MaskNdbDown,
	"server_up":   event.MaskServerUp,
	"server_down": event.MaskServerDown,
	"lost_master": event.MaskLostMaster,
	"lost_slave":  event.MaskLostSlave,
	"lost_synced": event.MaskLostSynced,
	"lost_ndb":    event.MaskLostNdb,
	"new_master":  event.MaskNewMaster,
	"new_slave":   event.MaskNewSlave,
	"new_synced":  event.MaskNewSynced,
	"new_ndb":     event.MaskNewNdb,
}

// Load parses every recognized key out of v into a Settings value.
func Load(v *viper.Viper) (Settings, error) {
	s := Settings{
		BackendConnectTimeout:  time.Duration(v.GetInt("backend_connect_timeout")) * time.Second,
		BackendReadTimeout:     time.Duration(v.GetInt("backend_read_timeout")) * time.Second,
		BackendWriteTimeout:    time.Duration(v.GetInt("backend_write_timeout")) * time.Second,
		BackendConnectAttempts: v.GetInt("backend_connect_attempts"),

		MonitorInterval: time.Duration(v.GetInt("monitor_interval")) * time.Millisecond,
		JournalMaxAge:   time.Duration(v.GetInt("journal_max_age")) * time.Second,

		Script:        v.GetString("script"),
		ScriptTimeout: time.Duration(v.GetInt("script_timeout")) * time.Second,

		DiskSpaceCheckInterval: time.Duration(v.GetInt("disk_space_check_interval")) * time.Millisecond,

		User:     v.GetString("user"),
		Password: v.GetString("password"),
		Servers:  v.GetStringSlice("servers"),
	}

	s.Events = parseEvents(v.GetStringSlice("events"))

	limits, err := diskspace.ParseLimits(v.GetString("disk_space_threshold"))
	if err != nil {
		return Settings{}, err
	}
	s.DiskSpaceThreshold = limits

	return s, nil
}

func parseEvents(names []string) event.Mask {
	var mask event.Mask
	for _, name := range names {
		if bit, ok := eventBitByKey[name]; ok {
			mask |= bit
		}
	}
	return mask
}

// EventNames renders mask back into the sorted list of configuration keys
// that would parse into it, the inverse of the "events" half of Load, used
// when persisting Settings back to a configuration fragment.
func EventNames(mask event.Mask) []string {
	var names []string
	for name, bit := range eventBitByKey {
		if mask&bit != 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
