package mailbox

import (
	"testing"

	"github.com/signal18/monitorcore/status"
)

func TestSetServerStatusRejectsIllegalBit(t *testing.T) {
	var slot RequestSlot
	var flag CheckFlagSlot
	var current uint64
	if err := SetServerStatus(true, &slot, &flag, &current, status.Master, nil); err != ErrIllegalBit {
		t.Fatalf("got %v, want ErrIllegalBit", err)
	}
	if current != 0 {
		t.Fatal("illegal request must not mutate status")
	}
}

func TestSetServerStatusWhileRunning(t *testing.T) {
	var slot RequestSlot
	var flag CheckFlagSlot
	var current uint64
	if err := SetServerStatus(true, &slot, &flag, &current, status.Maint, nil); err != nil {
		t.Fatal(err)
	}
	if slot.Load() != MaintOn {
		t.Fatalf("got slot %v, want MaintOn", slot.Load())
	}
	if flag.Load() != Check {
		t.Fatal("expected check flag to be armed")
	}
}

func TestSetServerStatusOverwriteWarns(t *testing.T) {
	var slot RequestSlot
	var flag CheckFlagSlot
	var current uint64
	var warned bool
	warn := func(format string, args ...interface{}) { warned = true }

	if err := SetServerStatus(true, &slot, &flag, &current, status.Maint, warn); err != nil {
		t.Fatal(err)
	}
	if err := SetServerStatus(true, &slot, &flag, &current, status.BeingDrained, warn); err != nil {
		t.Fatal(err)
	}
	if !warned {
		t.Fatal("expected a warning for the overwritten request")
	}
	if slot.Load() != BeingDrainedOn {
		t.Fatal("second request must win")
	}
}

func TestSetServerStatusWhileStopped(t *testing.T) {
	var slot RequestSlot
	var flag CheckFlagSlot
	current := uint64(status.Running)
	if err := SetServerStatus(false, &slot, &flag, &current, status.Maint, nil); err != nil {
		t.Fatal(err)
	}
	if status.Status(current)&status.Maint == 0 {
		t.Fatal("expected MAINT to be applied directly")
	}
	if slot.Load() != NoChange {
		t.Fatal("stopped monitor path must not touch the request slot")
	}
}

func TestClearServerStatusWhileStopped(t *testing.T) {
	var slot RequestSlot
	var flag CheckFlagSlot
	current := uint64(status.Running | status.Maint)
	if err := ClearServerStatus(false, &slot, &flag, &current, status.Maint, nil); err != nil {
		t.Fatal(err)
	}
	if status.Status(current)&status.Maint != 0 {
		t.Fatal("expected MAINT to be cleared directly")
	}
}

func TestDrainOne(t *testing.T) {
	var slot RequestSlot
	slot.Exchange(MaintOn)
	got := DrainOne(&slot, status.Running)
	if !got.Has(status.Maint) {
		t.Fatal("expected MAINT applied after drain")
	}
	if slot.Load() != NoChange {
		t.Fatal("slot must be reset to NoChange after drain")
	}

	// draining an already-empty slot is a no-op.
	got2 := DrainOne(&slot, status.Running|status.Master)
	if got2 != status.Running|status.Master {
		t.Fatal("draining empty slot must not change status")
	}
}

func TestApply(t *testing.T) {
	s := status.Running
	if got := Apply(s, MaintOn); !got.Has(status.Maint) {
		t.Fatal("MaintOn must set MAINT")
	}
	if got := Apply(s|status.Maint, MaintOff); got.Has(status.Maint) {
		t.Fatal("MaintOff must clear MAINT")
	}
	if got := Apply(s, NoChange); got != s {
		t.Fatal("NoChange must be a no-op")
	}
}
