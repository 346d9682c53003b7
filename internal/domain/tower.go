package domain

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
)

// TowerID is the hex encoding of the tower's compressed public key.
type TowerID string

func (id TowerID) String() string {
	return string(id)
}

// TowerIDFromPubKey derives the stable tower identifier.
func TowerIDFromPubKey(pk *btcec.PublicKey) TowerID {
	return TowerID(hex.EncodeToString(pk.SerializeCompressed()))
}

// ParseTowerPubKey parses a hex encoded compressed or uncompressed key.
func ParseTowerPubKey(raw string) (*btcec.PublicKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTowerKey, err)
	}
	pk, err := btcec.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTowerKey, err)
	}
	return pk, nil
}

// TowerState is the tag of TowerStatus.
type TowerState uint8

const (
	TowerReachable TowerState = iota + 1
	TowerTemporaryFailure
	TowerUnreachable
	TowerMisbehaving
)

func (s TowerState) String() string {
	switch s {
	case TowerReachable:
		return "reachable"
	case TowerTemporaryFailure:
		return "temporary_failure"
	case TowerUnreachable:
		return "unreachable"
	case TowerMisbehaving:
		return "misbehaving"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ParseTowerState maps the persisted string form back to a state.
func ParseTowerState(raw string) (TowerState, error) {
	switch strings.TrimSpace(raw) {
	case "reachable":
		return TowerReachable, nil
	case "temporary_failure":
		return TowerTemporaryFailure, nil
	case "unreachable":
		return TowerUnreachable, nil
	case "misbehaving":
		return TowerMisbehaving, nil
	default:
		return 0, fmt.Errorf("domain: unknown tower state %q", raw)
	}
}

// TowerStatus is a tagged state. RetryCount and NextRetryAt are only
// meaningful for TowerTemporaryFailure.
type TowerStatus struct {
	State       TowerState
	RetryCount  int
	NextRetryAt time.Time
}

func Reachable() TowerStatus {
	return TowerStatus{State: TowerReachable}
}

func TemporaryFailure(retryCount int, nextRetryAt time.Time) TowerStatus {
	return TowerStatus{State: TowerTemporaryFailure, RetryCount: retryCount, NextRetryAt: nextRetryAt}
}

func Unreachable() TowerStatus {
	return TowerStatus{State: TowerUnreachable}
}

func Misbehaving() TowerStatus {
	return TowerStatus{State: TowerMisbehaving}
}

// Transition validates a move to next. Misbehaving is absorbing.
func (s TowerStatus) Transition(next TowerStatus) (TowerStatus, error) {
	if s.State == TowerMisbehaving && next.State != TowerMisbehaving {
		return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, next.State)
	}
	switch next.State {
	case TowerReachable, TowerUnreachable, TowerMisbehaving:
		return TowerStatus{State: next.State}, nil
	case TowerTemporaryFailure:
		if next.RetryCount <= 0 {
			return s, fmt.Errorf("%w: temporary_failure requires retry_count > 0", ErrInvalidTransition)
		}
		return next, nil
	default:
		return s, fmt.Errorf("%w: unknown target state %d", ErrInvalidTransition, next.State)
	}
}

// Deliverable reports whether new appointments may be sent to the tower.
func (s TowerStatus) Deliverable() bool {
	return s.State == TowerReachable || s.State == TowerTemporaryFailure
}

func (s TowerStatus) String() string {
	if s.State == TowerTemporaryFailure {
		return fmt.Sprintf("%s(retries=%d next=%s)", s.State, s.RetryCount, s.NextRetryAt.Format(time.RFC3339))
	}
	return s.State.String()
}

// Tower is one registered watchtower.
type Tower struct {
	ID           TowerID
	Address      string
	PubKey       *btcec.PublicKey
	Status       TowerStatus
	Seq          uint64
	RegisteredAt time.Time
	Deregistered bool
}

// Active reports whether the tower is registered and may receive appointments.
func (t Tower) Active() bool {
	return !t.Deregistered && t.Status.Deliverable()
}
