// Package frame is the fixed-header framing used on tower sessions.
//
// Layout (big endian):
//
//	0  magic        u32
//	4  version      u16
//	6  header_len   u16
//	8  message_id   u64
//	16 message_type u32
//	20 flags        u32
//	24 payload_len  u64
//	32 payload      [payload_len]byte
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Magic   uint32 = 0x57544331 // "WTC1"
	Version uint16 = 1

	HeaderLen uint16 = 32

	FlagIsResponse uint32 = 0x01
	FlagIsError    uint32 = 0x02
)

var (
	ErrShortHeader     = errors.New("frame: short header")
	ErrBadMagic        = errors.New("frame: bad magic")
	ErrBadVersion      = errors.New("frame: unsupported version")
	ErrBadHeaderLen    = errors.New("frame: unexpected header_len")
	ErrShortPayload    = errors.New("frame: short payload")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

// Header is the fixed wire header. Magic, Version, HeaderLen and PayloadLen
// are filled in by Write.
type Header struct {
	Magic       uint32
	Version     uint16
	HeaderLen   uint16
	MessageID   uint64
	MessageType uint32
	Flags       uint32
	PayloadLen  uint64
}

func (h Header) IsResponse() bool { return h.Flags&FlagIsResponse != 0 }

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// DefaultMaxPayload bounds a single frame. An appointment blob is a
// serialized penalty transaction plus a 16 byte tag, far below this.
const DefaultMaxPayload uint64 = 1 << 20

// Read reads one frame from r. A payload longer than maxPayload is refused
// before any payload bytes are allocated.
func Read(r io.Reader, maxPayload uint64) (Frame, error) {
	var raw [HeaderLen]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	h := DecodeHeader(raw)
	if err := checkHeader(h); err != nil {
		return Frame{}, err
	}
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}
	if h.PayloadLen > maxPayload {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, h.PayloadLen, maxPayload)
	}
	payload := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrShortPayload, err)
	}
	return Frame{Header: h, Payload: payload}, nil
}

// Write stamps the protocol constants onto f's header and writes it to w in a
// single call.
func Write(w io.Writer, f Frame) error {
	h := f.Header
	h.Magic = Magic
	h.Version = Version
	h.HeaderLen = HeaderLen
	h.PayloadLen = uint64(len(f.Payload))
	if h.PayloadLen > DefaultMaxPayload {
		return ErrPayloadTooLarge
	}
	buf := make([]byte, 0, int(HeaderLen)+len(f.Payload))
	buf = append(buf, EncodeHeader(h)...)
	buf = append(buf, f.Payload...)
	_, err := w.Write(buf)
	return err
}

func checkHeader(h Header) error {
	switch {
	case h.Magic != Magic:
		return fmt.Errorf("%w: 0x%08x", ErrBadMagic, h.Magic)
	case h.Version != Version:
		return fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	case h.HeaderLen != HeaderLen:
		return fmt.Errorf("%w: %d", ErrBadHeaderLen, h.HeaderLen)
	}
	return nil
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.HeaderLen)
	binary.BigEndian.PutUint64(buf[8:16], h.MessageID)
	binary.BigEndian.PutUint32(buf[16:20], h.MessageType)
	binary.BigEndian.PutUint32(buf[20:24], h.Flags)
	binary.BigEndian.PutUint64(buf[24:32], h.PayloadLen)
	return buf
}

func DecodeHeader(b [HeaderLen]byte) Header {
	return Header{
		Magic:       binary.BigEndian.Uint32(b[0:4]),
		Version:     binary.BigEndian.Uint16(b[4:6]),
		HeaderLen:   binary.BigEndian.Uint16(b[6:8]),
		MessageID:   binary.BigEndian.Uint64(b[8:16]),
		MessageType: binary.BigEndian.Uint32(b[16:20]),
		Flags:       binary.BigEndian.Uint32(b[20:24]),
		PayloadLen:  binary.BigEndian.Uint64(b[24:32]),
	}
}
