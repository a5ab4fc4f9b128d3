package common

import (
	"errors"
	"testing"
)

func TestGuardNilView(t *testing.T) {
	if err := Guard(nil, "lending.borrow"); err != nil {
		t.Fatalf("nil view should never block: %v", err)
	}
}

func TestPauseSetToggle(t *testing.T) {
	set := NewPauseSet("Lending.Borrow")
	if err := Guard(set, "lending.borrow"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if err := Guard(set, "lending.repay"); err != nil {
		t.Fatalf("repay should not be paused: %v", err)
	}
	set.Set("lending.borrow", false)
	if err := Guard(set, "lending.borrow"); err != nil {
		t.Fatalf("expected borrow unpaused, got %v", err)
	}
	set.Set("lending.repay", true)
	set.Set("lending.liquidate", true)
	if got := set.Paused(); len(got) != 2 || got[0] != "lending.liquidate" {
		t.Fatalf("unexpected paused list: %v", got)
	}
}
