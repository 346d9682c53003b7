package admin

import (
	"time"

	"github.com/danmuck/towerctl/internal/domain"
)

type TowerView struct {
	ID           string     `json:"id"`
	Address      string     `json:"address"`
	Status       string     `json:"status"`
	RetryCount   int        `json:"retry_count,omitempty"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
	RegisteredAt time.Time  `json:"registered_at"`
	Deregistered bool       `json:"deregistered,omitempty"`
}

type ReceiptView struct {
	TowerSignature string    `json:"tower_signature"`
	StartBlock     uint32    `json:"start_block"`
	IssuedAt       time.Time `json:"issued_at"`
}

type RejectView struct {
	Code   uint32 `json:"code"`
	Reason string `json:"reason"`
}

type AppointmentView struct {
	ID            string       `json:"id"`
	TowerID       string       `json:"tower_id"`
	ChannelID     string       `json:"channel_id"`
	Locator       string       `json:"locator"`
	ToSelfDelay   uint32       `json:"to_self_delay"`
	UserSignature string       `json:"user_signature"`
	Status        string       `json:"status"`
	Attempts      int          `json:"attempts"`
	LastError     string       `json:"last_error,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	Receipt       *ReceiptView `json:"receipt,omitempty"`
	Reject        *RejectView  `json:"reject,omitempty"`
}

func towerView(t domain.Tower) TowerView {
	v := TowerView{
		ID:           t.ID.String(),
		Address:      t.Address,
		Status:       t.Status.State.String(),
		RegisteredAt: t.RegisteredAt,
		Deregistered: t.Deregistered,
	}
	if t.Status.State == domain.TowerTemporaryFailure {
		next := t.Status.NextRetryAt
		v.RetryCount = t.Status.RetryCount
		v.NextRetryAt = &next
	}
	return v
}

func appointmentView(rec domain.AppointmentRecord) AppointmentView {
	v := AppointmentView{
		ID:            rec.ID,
		TowerID:       rec.TowerID.String(),
		ChannelID:     rec.ChannelID,
		Locator:       rec.Locator.String(),
		ToSelfDelay:   rec.ToSelfDelay,
		UserSignature: rec.UserSignature,
		Status:        string(rec.Status),
		Attempts:      rec.Attempts,
		LastError:     rec.LastError,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
	if rec.Receipt != nil {
		v.Receipt = &ReceiptView{
			TowerSignature: rec.Receipt.TowerSignature,
			StartBlock:     rec.Receipt.StartBlock,
			IssuedAt:       rec.Receipt.IssuedAt,
		}
	}
	if rec.Reject != nil {
		v.Reject = &RejectView{Code: rec.Reject.Code, Reason: rec.Reject.Message}
	}
	return v
}

func appointmentViews(recs []domain.AppointmentRecord) []AppointmentView {
	out := make([]AppointmentView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, appointmentView(rec))
	}
	return out
}
