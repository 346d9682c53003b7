// Package schema declares the tower RPC message types and their required
// fields.
package schema

import (
	"fmt"

	"github.com/danmuck/towerctl/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

const (
	MsgAddAppointment      uint32 = 1
	MsgAppointmentAccepted uint32 = 2
	MsgAppointmentRejected uint32 = 3
	MsgError               uint32 = 4
)

const (
	FieldAppointmentID uint16 = 1
	FieldTimestampMS   uint16 = 2

	FieldLocator       uint16 = 100
	FieldEncryptedBlob uint16 = 101
	FieldToSelfDelay   uint16 = 102
	FieldUserSignature uint16 = 103

	FieldTowerSignature uint16 = 200
	FieldStartBlock     uint16 = 201

	FieldRejectCode   uint16 = 300
	FieldRejectReason uint16 = 301

	FieldErrorMessage uint16 = 400
)

// MessageName is used in logs and errors.
func MessageName(messageType uint32) string {
	switch messageType {
	case MsgAddAppointment:
		return "add_appointment"
	case MsgAppointmentAccepted:
		return "appointment_accepted"
	case MsgAppointmentRejected:
		return "appointment_rejected"
	case MsgError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", messageType)
	}
}

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: %s: %s", MessageName(e.MessageType), e.Reason)
	}
	return fmt.Sprintf("schema: %s field=%d: %s", MessageName(e.MessageType), e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgAddAppointment: {
		{FieldAppointmentID, tlv.TypeString},
		{FieldLocator, tlv.TypeBytes},
		{FieldEncryptedBlob, tlv.TypeBytes},
		{FieldToSelfDelay, tlv.TypeU32},
		{FieldUserSignature, tlv.TypeString},
	},
	MsgAppointmentAccepted: {
		{FieldAppointmentID, tlv.TypeString},
		{FieldTowerSignature, tlv.TypeString},
		{FieldStartBlock, tlv.TypeU32},
	},
	MsgAppointmentRejected: {
		{FieldAppointmentID, tlv.TypeString},
		{FieldRejectCode, tlv.TypeU32},
		{FieldRejectReason, tlv.TypeString},
	},
	MsgError: {
		{FieldErrorMessage, tlv.TypeString},
	},
}

// Validate checks that every required field is present with the declared
// type. Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint32("message_type", messageType).Msg("schema.Validate unknown message type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.Get(fields, req.ID)
		if !found {
			log.Error().
				Str("message", MessageName(messageType)).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().
				Str("message", MessageName(messageType)).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	log.Debug().Str("message", MessageName(messageType)).Int("fields", len(fields)).Msg("schema.Validate ok")
	return nil
}
