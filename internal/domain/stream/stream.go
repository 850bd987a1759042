// Package stream defines the stream record, the ledger configuration and the
// stream lifecycle states.
package stream

import (
	"fmt"
	"strings"

	"github.com/R3E-Network/streamflow/internal/amount"
)

// DefaultMinBufferSeconds is the solvency window required at creation and
// enforced by liquidation.
const DefaultMinBufferSeconds uint64 = 3600

const maxActorIDLength = 128

// ActorID identifies a sender, receiver, admin or keeper.
type ActorID string

// ParseActorID normalizes and validates an identity string.
func ParseActorID(s string) (ActorID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("actor id is required")
	}
	if len(s) > maxActorIDLength {
		return "", fmt.Errorf("actor id exceeds %d characters", maxActorIDLength)
	}
	return ActorID(s), nil
}

func (a ActorID) String() string { return string(a) }

// Stream is the canonical record of one payment stream.
type Stream struct {
	ID         uint64        `json:"id" db:"id"`
	Sender     ActorID       `json:"sender" db:"sender"`
	Receiver   ActorID       `json:"receiver" db:"receiver"`
	Token      string        `json:"token" db:"token"`
	FlowRate   amount.Amount `json:"flow_rate" db:"flow_rate"`
	StartTime  uint64        `json:"start_time" db:"start_time"`
	LastUpdate uint64        `json:"last_update" db:"last_update"`
	Deposited  amount.Amount `json:"deposited" db:"deposited"`
	Streamed   amount.Amount `json:"streamed" db:"streamed"`
	Withdrawn  amount.Amount `json:"withdrawn" db:"withdrawn"`
	Status     Status        `json:"status" db:"status"`
}

// CheckInvariants verifies the record-level invariants that must hold after
// every committed operation.
func (s Stream) CheckInvariants() error {
	if s.Withdrawn.GreaterThan(s.Streamed) {
		return fmt.Errorf("stream %d: withdrawn %s exceeds streamed %s", s.ID, s.Withdrawn, s.Streamed)
	}
	if s.Streamed.GreaterThan(s.Deposited) {
		return fmt.Errorf("stream %d: streamed %s exceeds deposited %s", s.ID, s.Streamed, s.Deposited)
	}
	if s.LastUpdate < s.StartTime {
		return fmt.Errorf("stream %d: last_update %d before start_time %d", s.ID, s.LastUpdate, s.StartTime)
	}
	switch s.Status {
	case StatusActive:
		if s.FlowRate.IsZero() {
			return fmt.Errorf("stream %d: active with zero flow rate", s.ID)
		}
	case StatusStopped:
		if !s.FlowRate.IsZero() {
			return fmt.Errorf("stream %d: stopped with flow rate %s", s.ID, s.FlowRate)
		}
	case StatusPaused:
	default:
		return fmt.Errorf("stream %d: unknown status", s.ID)
	}
	return nil
}

// Config is the ledger-wide configuration record.
type Config struct {
	Admin            ActorID `json:"admin" db:"admin"`
	MinBufferSeconds uint64  `json:"min_buffer_seconds" db:"min_buffer_seconds"`
	NextStreamID     uint64  `json:"next_stream_id" db:"next_stream_id"`
	VaultAddress     string  `json:"vault_address" db:"vault_address"`
}

// NewConfig returns a configuration with defaults applied.
func NewConfig(admin ActorID, vaultAddress string) Config {
	return Config{
		Admin:            admin,
		MinBufferSeconds: DefaultMinBufferSeconds,
		NextStreamID:     1,
		VaultAddress:     vaultAddress,
	}
}
