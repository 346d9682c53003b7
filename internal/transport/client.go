// Package transport delivers appointments to towers over TCP, optionally
// wrapped in TLS or mTLS.
//
// Each tower gets at most one live connection. A connection is opened lazily
// on the first send, greeted with a hello line that the tower must answer
// with its registered id, and dropped on any error so the next send redials.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/danmuck/towerctl/internal/domain"
	"github.com/danmuck/towerctl/internal/protocol/frame"
	"github.com/danmuck/towerctl/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

const ClientVersion = "towerctl/1"

var (
	ErrUserKeyRequired     = errors.New("transport: user key required")
	ErrHelloRejected       = errors.New("transport: hello rejected")
	ErrTowerIdentity       = errors.New("transport: tower identity mismatch")
	ErrResponseMismatch    = errors.New("transport: response does not match request")
	ErrClientClosed        = errors.New("transport: client closed")
	ErrTowerAddressMissing = errors.New("transport: tower address missing")
)

type Config struct {
	UserKey *btcec.PrivateKey
	Session session.Config
}

// Client implements the delivery transport.
type Client struct {
	cfg    Config
	userID string

	mu     sync.Mutex
	conns  map[domain.TowerID]*towerConn
	closed bool

	nextMessageID atomic.Uint64
}

type towerConn struct {
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.UserKey == nil {
		return nil, ErrUserKeyRequired
	}
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Session.ValidateClientTransport(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:    cfg,
		userID: hex.EncodeToString(cfg.UserKey.PubKey().SerializeCompressed()),
		conns:  make(map[domain.TowerID]*towerConn),
	}
	c.nextMessageID.Store(uint64(time.Now().UnixNano()))
	return c, nil
}

// SendAppointment performs one add_appointment round trip. Any error is a
// transport failure: the request may or may not have reached the tower.
func (c *Client) SendAppointment(ctx context.Context, tower domain.Tower, appt domain.Appointment) (domain.TowerResponse, error) {
	tc, err := c.towerConn(tower.ID)
	if err != nil {
		return domain.TowerResponse{}, err
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Session.RequestTimeout)
	defer cancel()

	if tc.conn == nil {
		if err := c.connect(ctx, tc, tower); err != nil {
			return domain.TowerResponse{}, err
		}
	}
	resp, err := c.roundTrip(ctx, tc, appt)
	if err != nil {
		log.Debug().Str("tower", tower.ID.String()).Err(err).Msg("transport.SendAppointment dropping connection")
		tc.reset()
		return domain.TowerResponse{}, err
	}
	return resp, nil
}

// Drop closes the tower's connection, if any.
func (c *Client) Drop(id domain.TowerID) {
	c.mu.Lock()
	tc := c.conns[id]
	delete(c.conns, id)
	c.mu.Unlock()
	if tc == nil {
		return
	}
	tc.mu.Lock()
	tc.reset()
	tc.mu.Unlock()
}

func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conns := c.conns
	c.conns = make(map[domain.TowerID]*towerConn)
	c.mu.Unlock()
	for _, tc := range conns {
		tc.mu.Lock()
		tc.reset()
		tc.mu.Unlock()
	}
	return nil
}

func (c *Client) towerConn(id domain.TowerID) (*towerConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	tc, ok := c.conns[id]
	if !ok {
		tc = &towerConn{}
		c.conns[id] = tc
	}
	return tc, nil
}

func (c *Client) connect(ctx context.Context, tc *towerConn, tower domain.Tower) error {
	if strings.TrimSpace(tower.Address) == "" {
		return ErrTowerAddressMissing
	}
	conn, err := c.dial(ctx, tower.Address)
	if err != nil {
		return err
	}
	reader := bufio.NewReader(conn)
	if err := c.hello(conn, reader, tower); err != nil {
		_ = conn.Close()
		return err
	}
	tc.conn = conn
	tc.reader = reader
	log.Info().Str("tower", tower.ID.String()).Str("addr", tower.Address).Msg("transport.connect session ready")
	return nil
}

func (c *Client) dial(ctx context.Context, address string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.cfg.Session.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if !c.cfg.Session.TLS.Enabled {
		return rawConn, nil
	}
	tlsCfg, err := c.cfg.Session.ClientTLSConfig(address)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, c.cfg.Session.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Client) hello(conn net.Conn, reader *bufio.Reader, tower domain.Tower) error {
	_ = conn.SetDeadline(time.Now().Add(c.cfg.Session.HandshakeTimeout))
	if err := session.WriteHello(conn, session.Hello{UserID: c.userID, ClientVersion: ClientVersion}); err != nil {
		return err
	}
	ack, err := session.ReadHelloAck(reader)
	if err != nil {
		return err
	}
	if ack.Status != session.AckStatusAccepted {
		return fmt.Errorf("%w: code=%d message=%q", ErrHelloRejected, ack.Code, ack.Message)
	}
	if !strings.EqualFold(strings.TrimSpace(ack.TowerID), tower.ID.String()) {
		return fmt.Errorf("%w: registered=%s announced=%s", ErrTowerIdentity, tower.ID, ack.TowerID)
	}
	return conn.SetDeadline(time.Time{})
}

func (c *Client) roundTrip(ctx context.Context, tc *towerConn, appt domain.Appointment) (domain.TowerResponse, error) {
	messageID := c.nextMessageID.Add(1)
	payload, err := session.EncodeAddAppointmentFrame(messageID, session.AddAppointment{
		AppointmentID: appt.ID,
		Locator:       appt.Locator[:],
		EncryptedBlob: appt.EncryptedBlob,
		ToSelfDelay:   appt.ToSelfDelay,
		UserSignature: appt.UserSignature,
	})
	if err != nil {
		return domain.TowerResponse{}, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := tc.conn.SetDeadline(deadline); err != nil {
			return domain.TowerResponse{}, err
		}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = tc.conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := tc.conn.Write(payload); err != nil {
		return domain.TowerResponse{}, c.ctxErr(ctx, err)
	}
	fr, err := frame.Read(tc.reader, c.cfg.Session.MaxPayload)
	if err != nil {
		return domain.TowerResponse{}, c.ctxErr(ctx, err)
	}
	resp, err := session.DecodeResponse(fr)
	if err != nil {
		return domain.TowerResponse{}, err
	}
	if resp.MessageID != messageID {
		return domain.TowerResponse{}, fmt.Errorf(
			"%w: message_id=%d/%d", ErrResponseMismatch, messageID, resp.MessageID,
		)
	}
	// A receipt naming another appointment is a signed claim by the tower
	// and is handed to the caller for verification. A rejection carries no
	// signature, so a foreign id there is treated as a garbled reply.
	if resp.Rejected != nil && resp.Rejected.AppointmentID != appt.ID {
		return domain.TowerResponse{}, fmt.Errorf(
			"%w: appointment=%s/%s", ErrResponseMismatch, appt.ID, resp.Rejected.AppointmentID,
		)
	}
	return toDomain(resp, time.Now()), nil
}

// ctxErr prefers the context error so callers see a timeout rather than an
// i/o deadline error.
func (c *Client) ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}

func (tc *towerConn) reset() {
	if tc.conn != nil {
		_ = tc.conn.Close()
	}
	tc.conn = nil
	tc.reader = nil
}

func toDomain(resp session.Response, now time.Time) domain.TowerResponse {
	switch {
	case resp.Accepted != nil:
		issued := now.UTC()
		if resp.Accepted.TimestampMS != 0 {
			issued = time.UnixMilli(int64(resp.Accepted.TimestampMS)).UTC()
		}
		return domain.TowerResponse{Receipt: &domain.Receipt{
			AppointmentID:  resp.Accepted.AppointmentID,
			TowerSignature: resp.Accepted.TowerSignature,
			StartBlock:     resp.Accepted.StartBlock,
			IssuedAt:       issued,
		}}
	case resp.Rejected != nil:
		return domain.TowerResponse{Reject: &domain.RejectReason{
			Code:    resp.Rejected.Code,
			Message: resp.Rejected.Reason,
		}}
	}
	return domain.TowerResponse{}
}
