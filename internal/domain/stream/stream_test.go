package stream

import (
	"strings"
	"testing"

	"github.com/R3E-Network/streamflow/internal/amount"
)

func TestParseActorID(t *testing.T) {
	id, err := ParseActorID("  alice  ")
	if err != nil || id != "alice" {
		t.Fatalf("ParseActorID() = %q, %v", id, err)
	}
	if _, err := ParseActorID("   "); err == nil {
		t.Error("blank actor id should fail")
	}
	if _, err := ParseActorID(strings.Repeat("x", 129)); err == nil {
		t.Error("oversized actor id should fail")
	}
}

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig("admin", "vault-1")
	if cfg.MinBufferSeconds != 3600 {
		t.Errorf("MinBufferSeconds = %d, want 3600", cfg.MinBufferSeconds)
	}
	if cfg.NextStreamID != 1 {
		t.Errorf("NextStreamID = %d, want 1", cfg.NextStreamID)
	}
}

func TestCheckInvariants(t *testing.T) {
	base := Stream{
		ID:         1,
		FlowRate:   amount.New(10),
		StartTime:  100,
		LastUpdate: 100,
		Deposited:  amount.New(1000),
		Streamed:   amount.New(500),
		Withdrawn:  amount.New(200),
		Status:     StatusActive,
	}
	if err := base.CheckInvariants(); err != nil {
		t.Fatalf("valid stream rejected: %v", err)
	}

	bad := base
	bad.Withdrawn = amount.New(600)
	if bad.CheckInvariants() == nil {
		t.Error("withdrawn > streamed should fail")
	}

	bad = base
	bad.Streamed = amount.New(2000)
	if bad.CheckInvariants() == nil {
		t.Error("streamed > deposited should fail")
	}

	bad = base
	bad.Status = StatusStopped
	if bad.CheckInvariants() == nil {
		t.Error("stopped with non-zero rate should fail")
	}

	bad = base
	bad.FlowRate = amount.Zero()
	if bad.CheckInvariants() == nil {
		t.Error("active with zero rate should fail")
	}

	bad = base
	bad.LastUpdate = 50
	if bad.CheckInvariants() == nil {
		t.Error("last_update before start should fail")
	}
}
