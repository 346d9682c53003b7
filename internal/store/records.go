package store

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/danmuck/towerctl/internal/domain"
)

// towerRecord is the persisted row of the towers table.
type towerRecord struct {
	ID             string `json:"id"`
	Address        string `json:"address"`
	PubKey         string `json:"pubkey"`
	Status         string `json:"status"`
	RetryCount     int    `json:"retry_count"`
	NextRetryAtMS  int64  `json:"next_retry_at_ms,omitempty"`
	Seq            uint64 `json:"seq"`
	RegisteredAtMS int64  `json:"registered_at_ms"`
	Deregistered   bool   `json:"deregistered,omitempty"`
}

func towerToRecord(t domain.Tower) towerRecord {
	rec := towerRecord{
		ID:             string(t.ID),
		Address:        t.Address,
		Status:         t.Status.State.String(),
		RetryCount:     t.Status.RetryCount,
		Seq:            t.Seq,
		RegisteredAtMS: msFromTime(t.RegisteredAt),
		Deregistered:   t.Deregistered,
	}
	if t.PubKey != nil {
		rec.PubKey = hex.EncodeToString(t.PubKey.SerializeCompressed())
	}
	if t.Status.State == domain.TowerTemporaryFailure {
		rec.NextRetryAtMS = msFromTime(t.Status.NextRetryAt)
	}
	return rec
}

func (r towerRecord) toDomain() (domain.Tower, error) {
	state, err := domain.ParseTowerState(r.Status)
	if err != nil {
		return domain.Tower{}, err
	}
	pk, err := domain.ParseTowerPubKey(r.PubKey)
	if err != nil {
		return domain.Tower{}, fmt.Errorf("store: tower %s: %w", r.ID, err)
	}
	return domain.Tower{
		ID:      domain.TowerID(r.ID),
		Address: r.Address,
		PubKey:  pk,
		Status: domain.TowerStatus{
			State:       state,
			RetryCount:  r.RetryCount,
			NextRetryAt: timeFromMS(r.NextRetryAtMS),
		},
		Seq:          r.Seq,
		RegisteredAt: timeFromMS(r.RegisteredAtMS),
		Deregistered: r.Deregistered,
	}, nil
}

type receiptRecord struct {
	TowerSignature string `json:"tower_signature"`
	StartBlock     uint32 `json:"start_block"`
	IssuedAtMS     int64  `json:"issued_at_ms"`
}

type rejectRecord struct {
	Code    uint32 `json:"code"`
	Message string `json:"message"`
}

// appointmentRecord is the persisted row of the appointments table.
type appointmentRecord struct {
	ID            string         `json:"id"`
	TowerID       string         `json:"tower_id"`
	ChannelID     string         `json:"channel_id"`
	Locator       string         `json:"locator"`
	Blob          []byte         `json:"blob"`
	ToSelfDelay   uint32         `json:"to_self_delay"`
	UserSignature string         `json:"user_signature"`
	Status        string         `json:"status"`
	Seq           uint64         `json:"seq"`
	CreatedAtMS   int64          `json:"created_at_ms"`
	UpdatedAtMS   int64          `json:"updated_at_ms"`
	Attempts      int            `json:"attempts"`
	LastError     string         `json:"last_error,omitempty"`
	Receipt       *receiptRecord `json:"receipt,omitempty"`
	Reject        *rejectRecord  `json:"reject,omitempty"`
}

func appointmentToRecord(a domain.Appointment) appointmentRecord {
	return appointmentRecord{
		ID:            a.ID,
		TowerID:       string(a.TowerID),
		ChannelID:     a.ChannelID,
		Locator:       a.Locator.String(),
		Blob:          append([]byte(nil), a.EncryptedBlob...),
		ToSelfDelay:   a.ToSelfDelay,
		UserSignature: a.UserSignature,
		Status:        string(domain.AppointmentPending),
		CreatedAtMS:   msFromTime(a.CreatedAt),
	}
}

func (r appointmentRecord) toDomain() (domain.AppointmentRecord, error) {
	locator, err := domain.ParseLocator(r.Locator)
	if err != nil {
		return domain.AppointmentRecord{}, fmt.Errorf("store: appointment %s: %w", r.ID, err)
	}
	out := domain.AppointmentRecord{
		Appointment: domain.Appointment{
			ID:            r.ID,
			TowerID:       domain.TowerID(r.TowerID),
			ChannelID:     r.ChannelID,
			Locator:       locator,
			EncryptedBlob: r.Blob,
			ToSelfDelay:   r.ToSelfDelay,
			UserSignature: r.UserSignature,
			CreatedAt:     timeFromMS(r.CreatedAtMS),
		},
		Seq:       r.Seq,
		Status:    domain.AppointmentStatus(r.Status),
		Attempts:  r.Attempts,
		LastError: r.LastError,
		UpdatedAt: timeFromMS(r.UpdatedAtMS),
	}
	if r.Receipt != nil {
		out.Receipt = &domain.Receipt{
			AppointmentID:  r.ID,
			TowerSignature: r.Receipt.TowerSignature,
			StartBlock:     r.Receipt.StartBlock,
			IssuedAt:       timeFromMS(r.Receipt.IssuedAtMS),
		}
	}
	if r.Reject != nil {
		out.Reject = &domain.RejectReason{Code: r.Reject.Code, Message: r.Reject.Message}
	}
	return out, nil
}

func msFromTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeFromMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
