// Package mailbox implements the lock-free single-slot handshake between an
// administrative caller (API/CLI) and a monitor worker: status-override
// requests (maintenance, draining) on one side, a wake-and-apply protocol on
// the other.
package mailbox

import (
	"fmt"
	"sync/atomic"

	"github.com/signal18/monitorcore/status"
)

// Slot is the value carried in a MonitoredServer's status_request slot.
type Slot int32

const (
	NoChange Slot = iota
	MaintOn
	MaintOff
	BeingDrainedOn
	BeingDrainedOff
)

// CheckFlag is the value carried in a Monitor's check_status_flag.
type CheckFlag int32

const (
	NoCheck CheckFlag = iota
	Check
)

// ErrIllegalBit is returned when an admin requests a bit other than MAINT or
// BEING_DRAINED on a running monitor.
var ErrIllegalBit = fmt.Errorf("mailbox: only MAINT or BEING_DRAINED may be requested on a running monitor")

// slotFor translates a requested status bit and on/off direction into the
// wire Slot value, or reports the bit is not one admins may toggle.
func slotFor(bit status.Status, set bool) (Slot, bool) {
	switch bit {
	case status.Maint:
		if set {
			return MaintOn, true
		}
		return MaintOff, true
	case status.BeingDrained:
		if set {
			return BeingDrainedOn, true
		}
		return BeingDrainedOff, true
	default:
		return NoChange, false
	}
}

// RequestSlot is the single-slot mailbox for one MonitoredServer's pending
// admin request. All access goes through atomic exchange; there is no lock.
type RequestSlot struct {
	v int32
}

// Exchange atomically stores next and returns the previous value.
func (r *RequestSlot) Exchange(next Slot) Slot {
	return Slot(atomic.SwapInt32(&r.v, int32(next)))
}

// Load atomically reads the current value without modifying it.
func (r *RequestSlot) Load() Slot {
	return Slot(atomic.LoadInt32(&r.v))
}

// CheckFlagSlot is a Monitor's single check_status_flag.
type CheckFlagSlot struct {
	v int32
}

func (c *CheckFlagSlot) Exchange(next CheckFlag) CheckFlag {
	return CheckFlag(atomic.SwapInt32(&c.v, int32(next)))
}

func (c *CheckFlagSlot) Load() CheckFlag {
	return CheckFlag(atomic.LoadInt32(&c.v))
}

// Warnf is the logging hook Set/Clear use to report an overwritten request.
type Warnf func(format string, args ...interface{})

// SetServerStatus implements the admin-side "set" half of §4.7. When the
// monitor is running, it atomically exchanges the server's request slot and
// the monitor's check flag; an overwritten unread request is logged as a
// warning but the new request still wins. When the monitor is not running,
// it applies the bit to status directly with no handshake.
func SetServerStatus(running bool, slot *RequestSlot, checkFlag *CheckFlagSlot, current *uint64, bit status.Status, warn Warnf) error {
	req, ok := slotFor(bit, true)
	if !ok {
		return ErrIllegalBit
	}
	if !running {
		orUint64(current, uint64(bit))
		return nil
	}
	if prev := slot.Exchange(req); prev != NoChange && warn != nil {
		warn("overwriting unread status request %v with %v", prev, req)
	}
	checkFlag.Exchange(Check)
	return nil
}

// ClearServerStatus is the admin-side "clear" half of §4.7.
func ClearServerStatus(running bool, slot *RequestSlot, checkFlag *CheckFlagSlot, current *uint64, bit status.Status, warn Warnf) error {
	req, ok := slotFor(bit, false)
	if !ok {
		return ErrIllegalBit
	}
	if !running {
		andUint64(current, ^uint64(bit))
		return nil
	}
	if prev := slot.Exchange(req); prev != NoChange && warn != nil {
		warn("overwriting unread status request %v with %v", prev, req)
	}
	checkFlag.Exchange(Check)
	return nil
}

// orUint64 and andUint64 apply a bitwise op to *addr as a compare-and-swap
// retry loop, since the not-running admin path deals in plain *uint64
// rather than an atomic.Uint64.
func orUint64(addr *uint64, mask uint64) {
	for {
		old := atomic.LoadUint64(addr)
		if atomic.CompareAndSwapUint64(addr, old, old|mask) {
			return
		}
	}
}

func andUint64(addr *uint64, mask uint64) {
	for {
		old := atomic.LoadUint64(addr)
		if atomic.CompareAndSwapUint64(addr, old, old&mask) {
			return
		}
	}
}

// Apply resolves a drained Slot value against a status word, returning the
// updated word. NoChange is a no-op.
func Apply(current status.Status, req Slot) status.Status {
	switch req {
	case MaintOn:
		return current | status.Maint
	case MaintOff:
		return current &^ status.Maint
	case BeingDrainedOn:
		return current | status.BeingDrained
	case BeingDrainedOff:
		return current &^ status.BeingDrained
	default:
		return current
	}
}

// DrainOne implements the worker side of §4.7's tick-start step for a
// single server: exchange the slot to NoChange and apply whatever request
// was pending, if any.
func DrainOne(slot *RequestSlot, current status.Status) status.Status {
	req := slot.Exchange(NoChange)
	if req == NoChange {
		return current
	}
	return Apply(current, req)
}
