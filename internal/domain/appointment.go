package domain

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// LocatorSize is the number of txid bytes a tower uses to match breaches.
const LocatorSize = 16

// Locator identifies a breach by the revoked commitment txid prefix.
type Locator [LocatorSize]byte

func (l Locator) String() string {
	return hex.EncodeToString(l[:])
}

// ParseLocator decodes a hex locator.
func ParseLocator(raw string) (Locator, error) {
	var l Locator
	b, err := hex.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return l, err
	}
	if len(b) != LocatorSize {
		return l, fmt.Errorf("domain: invalid locator length: %d", len(b))
	}
	copy(l[:], b)
	return l, nil
}

// ChannelUpdate is the host notification for one new commitment. The revoked
// commitment is the state the counterparty may later broadcast.
type ChannelUpdate struct {
	ChannelID         string
	RevokedCommitTxID chainhash.Hash
	PenaltyTx         *wire.MsgTx
	ToSelfDelay       uint32
	CommitmentHeight  uint64
}

// Appointment is immutable once built.
type Appointment struct {
	ID            string
	TowerID       TowerID
	ChannelID     string
	Locator       Locator
	EncryptedBlob []byte
	ToSelfDelay   uint32
	UserSignature string
	CreatedAt     time.Time
}

// SignedPayload is the byte string the user signature commits to.
func (a Appointment) SignedPayload() []byte {
	return AppointmentPayload(a.Locator, a.EncryptedBlob, a.ToSelfDelay)
}

// AppointmentPayload serializes locator || blob || to_self_delay (u32 BE).
func AppointmentPayload(locator Locator, blob []byte, toSelfDelay uint32) []byte {
	out := make([]byte, 0, LocatorSize+len(blob)+4)
	out = append(out, locator[:]...)
	out = append(out, blob...)
	out = binary.BigEndian.AppendUint32(out, toSelfDelay)
	return out
}

// AppointmentStatus is the delivery outcome of one appointment.
type AppointmentStatus string

const (
	AppointmentPending        AppointmentStatus = "pending"
	AppointmentAccepted       AppointmentStatus = "accepted"
	AppointmentRejected       AppointmentStatus = "rejected"
	AppointmentInvalidReceipt AppointmentStatus = "invalid_receipt"
)

func (s AppointmentStatus) Terminal() bool {
	return s == AppointmentAccepted || s == AppointmentRejected || s == AppointmentInvalidReceipt
}

func (s AppointmentStatus) Valid() bool {
	return s == AppointmentPending || s.Terminal()
}

// Receipt is the tower's signed acknowledgment.
type Receipt struct {
	AppointmentID  string
	TowerSignature string
	StartBlock     uint32
	IssuedAt       time.Time
}

// ReceiptPayload serializes user_signature || start_block (u32 BE), the
// message a tower signs when it accepts an appointment.
func ReceiptPayload(userSignature string, startBlock uint32) []byte {
	out := make([]byte, 0, len(userSignature)+4)
	out = append(out, userSignature...)
	out = binary.BigEndian.AppendUint32(out, startBlock)
	return out
}

// RejectReason carries a tower-side refusal.
type RejectReason struct {
	Code    uint32
	Message string
}

// AppointmentRecord is an appointment with its delivery state.
type AppointmentRecord struct {
	Appointment
	Seq       uint64
	Status    AppointmentStatus
	Receipt   *Receipt
	Reject    *RejectReason
	Attempts  int
	LastError string
	UpdatedAt time.Time
}

// TowerResponse is a tower's answer to one delivery. Exactly one of Receipt
// or Reject is set.
type TowerResponse struct {
	Receipt *Receipt
	Reject  *RejectReason
}
