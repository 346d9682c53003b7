package session

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/towerctl/internal/protocol/frame"
	"github.com/danmuck/towerctl/internal/protocol/schema"
	"github.com/danmuck/towerctl/internal/protocol/tlv"
)

var (
	ErrUnexpectedMessage = errors.New("session: unexpected message type")
	ErrRemoteError       = errors.New("session: remote error")
)

// AddAppointment is the client->tower request.
type AddAppointment struct {
	AppointmentID string
	Locator       []byte
	EncryptedBlob []byte
	ToSelfDelay   uint32
	UserSignature string
}

func (a AddAppointment) Validate() error {
	if strings.TrimSpace(a.AppointmentID) == "" {
		return fmt.Errorf("add_appointment missing appointment_id")
	}
	if len(a.Locator) == 0 {
		return fmt.Errorf("add_appointment missing locator")
	}
	if len(a.EncryptedBlob) == 0 {
		return fmt.Errorf("add_appointment missing encrypted_blob")
	}
	if strings.TrimSpace(a.UserSignature) == "" {
		return fmt.Errorf("add_appointment missing user_signature")
	}
	return nil
}

// Accepted carries the tower receipt.
type Accepted struct {
	AppointmentID  string
	TowerSignature string
	StartBlock     uint32
	TimestampMS    uint64
}

// Rejected carries a tower-side refusal.
type Rejected struct {
	AppointmentID string
	Code          uint32
	Reason        string
}

// Response is one decoded tower answer. Exactly one of Accepted or Rejected
// is set.
type Response struct {
	MessageID uint64
	Accepted  *Accepted
	Rejected  *Rejected
}

func (r Response) AppointmentID() string {
	switch {
	case r.Accepted != nil:
		return r.Accepted.AppointmentID
	case r.Rejected != nil:
		return r.Rejected.AppointmentID
	}
	return ""
}

func EncodeAddAppointmentFrame(messageID uint64, req AddAppointment) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldAppointmentID, req.AppointmentID),
		tlv.Bytes(schema.FieldLocator, req.Locator),
		tlv.Bytes(schema.FieldEncryptedBlob, req.EncryptedBlob),
		tlv.U32(schema.FieldToSelfDelay, req.ToSelfDelay),
		tlv.String(schema.FieldUserSignature, req.UserSignature),
	}
	return encodeFrame(messageID, schema.MsgAddAppointment, 0, fields)
}

func DecodeAddAppointmentFrame(f frame.Frame) (AddAppointment, error) {
	if f.Header.MessageType != schema.MsgAddAppointment {
		return AddAppointment{}, fmt.Errorf("%w: %s", ErrUnexpectedMessage, schema.MessageName(f.Header.MessageType))
	}
	fields, err := decodeValidated(f)
	if err != nil {
		return AddAppointment{}, err
	}
	req := AddAppointment{
		AppointmentID: requiredString(fields, schema.FieldAppointmentID),
		Locator:       requiredBytes(fields, schema.FieldLocator),
		EncryptedBlob: requiredBytes(fields, schema.FieldEncryptedBlob),
		UserSignature: requiredString(fields, schema.FieldUserSignature),
	}
	if req.ToSelfDelay, err = requiredU32(fields, schema.FieldToSelfDelay); err != nil {
		return AddAppointment{}, err
	}
	return req, nil
}

func EncodeAcceptedFrame(messageID uint64, acc Accepted) ([]byte, error) {
	if strings.TrimSpace(acc.AppointmentID) == "" || strings.TrimSpace(acc.TowerSignature) == "" {
		return nil, fmt.Errorf("appointment_accepted missing appointment_id or tower_signature")
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldAppointmentID, acc.AppointmentID),
		tlv.String(schema.FieldTowerSignature, acc.TowerSignature),
		tlv.U32(schema.FieldStartBlock, acc.StartBlock),
	}
	if acc.TimestampMS != 0 {
		fields = append(fields, tlv.U64(schema.FieldTimestampMS, acc.TimestampMS))
	}
	return encodeFrame(messageID, schema.MsgAppointmentAccepted, frame.FlagIsResponse, fields)
}

func EncodeRejectedFrame(messageID uint64, rej Rejected) ([]byte, error) {
	if strings.TrimSpace(rej.AppointmentID) == "" {
		return nil, fmt.Errorf("appointment_rejected missing appointment_id")
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldAppointmentID, rej.AppointmentID),
		tlv.U32(schema.FieldRejectCode, rej.Code),
		tlv.String(schema.FieldRejectReason, rej.Reason),
	}
	return encodeFrame(messageID, schema.MsgAppointmentRejected, frame.FlagIsResponse, fields)
}

func EncodeErrorFrame(messageID uint64, message string) ([]byte, error) {
	fields := []tlv.Field{tlv.String(schema.FieldErrorMessage, message)}
	return encodeFrame(messageID, schema.MsgError, frame.FlagIsResponse|frame.FlagIsError, fields)
}

// DecodeResponse decodes a tower answer. An error frame from the tower is
// returned as ErrRemoteError so callers treat it as a transport failure.
func DecodeResponse(f frame.Frame) (Response, error) {
	fields, err := decodeValidated(f)
	if err != nil {
		return Response{}, err
	}
	resp := Response{MessageID: f.Header.MessageID}
	switch f.Header.MessageType {
	case schema.MsgAppointmentAccepted:
		acc := &Accepted{
			AppointmentID:  requiredString(fields, schema.FieldAppointmentID),
			TowerSignature: requiredString(fields, schema.FieldTowerSignature),
		}
		if acc.StartBlock, err = requiredU32(fields, schema.FieldStartBlock); err != nil {
			return Response{}, err
		}
		if ts, ok := tlv.Get(fields, schema.FieldTimestampMS); ok {
			if acc.TimestampMS, err = ts.AsU64(); err != nil {
				return Response{}, err
			}
		}
		resp.Accepted = acc
	case schema.MsgAppointmentRejected:
		rej := &Rejected{
			AppointmentID: requiredString(fields, schema.FieldAppointmentID),
			Reason:        requiredString(fields, schema.FieldRejectReason),
		}
		if rej.Code, err = requiredU32(fields, schema.FieldRejectCode); err != nil {
			return Response{}, err
		}
		resp.Rejected = rej
	case schema.MsgError:
		return Response{}, fmt.Errorf("%w: %s", ErrRemoteError, requiredString(fields, schema.FieldErrorMessage))
	default:
		return Response{}, fmt.Errorf("%w: %s", ErrUnexpectedMessage, schema.MessageName(f.Header.MessageType))
	}
	return resp, nil
}

func encodeFrame(messageID uint64, messageType uint32, flags uint32, fields []tlv.Field) ([]byte, error) {
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	err := frame.Write(&buf, frame.Frame{
		Header: frame.Header{
			MessageID:   messageID,
			MessageType: messageType,
			Flags:       flags,
		},
		Payload: tlv.EncodeFields(fields),
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeValidated(f frame.Frame) ([]tlv.Field, error) {
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(f.Header.MessageType, fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// requiredString and requiredBytes assume schema.Validate already checked
// presence and type.
func requiredString(fields []tlv.Field, id uint16) string {
	f, _ := tlv.Get(fields, id)
	return string(f.Value)
}

func requiredBytes(fields []tlv.Field, id uint16) []byte {
	f, _ := tlv.Get(fields, id)
	return append([]byte(nil), f.Value...)
}

func requiredU32(fields []tlv.Field, id uint16) (uint32, error) {
	f, _ := tlv.Get(fields, id)
	return f.AsU32()
}
