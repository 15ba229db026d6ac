// Package event derives named cluster events from a (previous, current)
// server status pair, matching the mon_get_event_type/mon_get_event_name
// pair traced from the original monitor core.
package event

import "github.com/signal18/monitorcore/status"

// Name identifies a classified cluster event.
type Name string

const (
	MasterUp     Name = "master_up"
	MasterDown   Name = "master_down"
	SlaveUp      Name = "slave_up"
	SlaveDown    Name = "slave_down"
	SyncedUp     Name = "synced_up"
	SyncedDown   Name = "synced_down"
	NdbUp        Name = "ndb_up"
	NdbDown      Name = "ndb_down"
	ServerUp     Name = "server_up"
	ServerDown   Name = "server_down"
	LostMaster   Name = "lost_master"
	LostSlave    Name = "lost_slave"
	LostSynced   Name = "lost_synced"
	LostNdb      Name = "lost_ndb"
	NewMaster    Name = "new_master"
	NewSlave     Name = "new_slave"
	NewSynced    Name = "new_synced"
	NewNdb       Name = "new_ndb"
)

// Mask is a subscription bitmask over event Names, as read from the
// "events" configuration key. Bit position order matches declaration order
// of the constants above.
type Mask uint32

const (
	MaskMasterUp Mask = 1 << iota
	MaskMasterDown
	MaskSlaveUp
	MaskSlaveDown
	MaskSyncedUp
	MaskSyncedDown
	MaskNdbUp
	MaskNdbDown
	MaskServerUp
	MaskServerDown
	MaskLostMaster
	MaskLostSlave
	MaskLostSynced
	MaskLostNdb
	MaskNewMaster
	MaskNewSlave
	MaskNewSynced
	MaskNewNdb
)

var maskByName = map[Name]Mask{
	MasterUp:   MaskMasterUp,
	MasterDown: MaskMasterDown,
	SlaveUp:    MaskSlaveUp,
	SlaveDown:  MaskSlaveDown,
	SyncedUp:   MaskSyncedUp,
	SyncedDown: MaskSyncedDown,
	NdbUp:      MaskNdbUp,
	NdbDown:    MaskNdbDown,
	ServerUp:   MaskServerUp,
	ServerDown: MaskServerDown,
	LostMaster: MaskLostMaster,
	LostSlave:  MaskLostSlave,
	LostSynced: MaskLostSynced,
	LostNdb:    MaskLostNdb,
	NewMaster:  MaskNewMaster,
	NewSlave:   MaskNewSlave,
	NewSynced:  MaskNewSynced,
	NewNdb:     MaskNewNdb,
}

// Subscribed reports whether name is a member of the subscription mask.
func Subscribed(mask Mask, name Name) bool {
	bit, ok := maskByName[name]
	if !ok {
		return false
	}
	return mask&bit != 0
}

type generalKind int

const (
	kindUndefined generalKind = iota
	kindUp
	kindDown
	kindLoss
	kindNew
)

// Classify derives the cluster event for an observable (prev, curr)
// transition. Callers must have already established that the transition is
// observable (status.Observable); Classify does not re-check.
//
// Priority within a defining status word is MASTER > SLAVE > JOINED > NDB,
// falling back to the generic up/down names. LOSS/NEW pairs that carry no
// role bit at all classify to nothing (ok == false) and are silently
// discarded, exactly as the traced source does with UNDEFINED_EVENT.
func Classify(prev, curr status.Status) (Name, bool) {
	prevRelevant := prev & status.RelevantBits
	currRelevant := curr & status.RelevantBits

	var kind generalKind
	switch {
	case !prevRelevant.IsRunning() && currRelevant.IsRunning():
		kind = kindUp
	case prevRelevant.IsRunning() && !currRelevant.IsRunning():
		kind = kindDown
	case prevRelevant.IsRunning() && currRelevant.IsRunning():
		prevRole := status.RoleBits(prevRelevant)
		currRole := status.RoleBits(currRelevant)
		if (prevRole == 0 || currRole == 0 || prevRole == currRole) && status.TypeBits(prevRelevant) != 0 {
			kind = kindLoss
		} else {
			kind = kindNew
		}
	default:
		return "", false
	}

	switch kind {
	case kindUp:
		return byPriority(currRelevant, MasterUp, SlaveUp, SyncedUp, NdbUp, ServerUp), true
	case kindDown:
		return byPriority(prevRelevant, MasterDown, SlaveDown, SyncedDown, NdbDown, ServerDown), true
	case kindLoss:
		name := byPriority(prevRelevant, LostMaster, LostSlave, LostSynced, LostNdb, "")
		return name, name != ""
	case kindNew:
		name := byPriority(currRelevant, NewMaster, NewSlave, NewSynced, NewNdb, "")
		return name, name != ""
	}
	return "", false
}

// byPriority picks the name for the highest-priority role bit set in s,
// falling back to the given default (which may be empty to signal
// "undefined"). Priority is fixed at MASTER > SLAVE > JOINED > NDB.
func byPriority(s status.Status, master, slave, joined, ndb, fallback Name) Name {
	switch {
	case s.Has(status.Master):
		return master
	case s.Has(status.Slave):
		return slave
	case s.Has(status.Joined):
		return joined
	case s.Has(status.Ndb):
		return ndb
	default:
		return fallback
	}
}

// IsMasterDown reports whether name is the master-down event, used by the
// tick loop's "master switch" combined-log rule.
func IsMasterDown(name Name) bool { return name == MasterDown }

// IsMasterUpOrNew reports whether name signals a new elected master, used by
// the same combined-log rule.
func IsMasterUpOrNew(name Name) bool { return name == MasterUp || name == NewMaster }
