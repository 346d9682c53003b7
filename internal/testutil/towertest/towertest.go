// Package towertest runs an in-process tower that speaks the session
// protocol, for transport and agent tests.
package towertest

import (
	"bufio"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/danmuck/towerctl/internal/domain"
	"github.com/danmuck/towerctl/internal/protocol/frame"
	"github.com/danmuck/towerctl/internal/protocol/session"
	"github.com/danmuck/towerctl/internal/wtcrypto"
	"github.com/rs/zerolog/log"
)

// Reply tells the server how to answer one add_appointment.
type Reply struct {
	Reject       *domain.RejectReason
	StartBlock   uint32
	BadSignature bool
	// AppointmentID overrides the id named in the receipt.
	AppointmentID string
	// Hang holds the connection open without answering.
	Hang bool
	// Hangup closes the connection without answering.
	Hangup bool
}

type Handler func(req session.AddAppointment) Reply

type Options struct {
	Session session.Config
	// AnnounceID overrides the tower id sent in hello.ack.
	AnnounceID string
	Handler    Handler
}

type Server struct {
	Key *btcec.PrivateKey
	ID  domain.TowerID

	cfg      Options
	ln       net.Listener
	mu       sync.Mutex
	handler  Handler
	received []session.AddAppointment
	hellos   []session.Hello
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// Start listens on 127.0.0.1 and stops on test cleanup.
func Start(t testing.TB, opts Options) *Server {
	t.Helper()
	key, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("tower key: %v", err)
	}
	opts.Session = opts.Session.WithDefaults()
	if err := opts.Session.ValidateServerTransport(); err != nil {
		t.Fatalf("tower transport config: %v", err)
	}
	var ln net.Listener
	if opts.Session.TLS.Enabled {
		tlsCfg, err := opts.Session.ServerTLSConfig()
		if err != nil {
			t.Fatalf("tower tls config: %v", err)
		}
		ln, err = tls.Listen("tcp", "127.0.0.1:0", tlsCfg)
		if err != nil {
			t.Fatalf("tower listen: %v", err)
		}
	} else {
		ln, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("tower listen: %v", err)
		}
	}
	s := &Server{
		Key:     key,
		ID:      domain.TowerIDFromPubKey(key.PubKey()),
		cfg:     opts,
		ln:      ln,
		handler: opts.Handler,
		conns:   make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

// Tower returns a registry-ready description of this server.
func (s *Server) Tower() domain.Tower {
	return domain.Tower{
		ID:      s.ID,
		Address: s.Addr(),
		PubKey:  s.Key.PubKey(),
		Status:  domain.Reachable(),
	}
}

func (s *Server) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *Server) Received() []session.AddAppointment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]session.AddAppointment(nil), s.received...)
}

func (s *Server) Hellos() []session.Hello {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]session.Hello(nil), s.hellos...)
}

func (s *Server) Close() {
	_ = s.ln.Close()
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Warn().Err(err).Msg("towertest.serve accept")
			}
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	reader := bufio.NewReader(conn)
	hello, err := session.ReadHello(reader)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.hellos = append(s.hellos, hello)
	s.mu.Unlock()

	announce := s.ID.String()
	if s.cfg.AnnounceID != "" {
		announce = s.cfg.AnnounceID
	}
	ack := session.HelloAck{
		Status:      session.AckStatusAccepted,
		TowerID:     announce,
		Message:     "ok",
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
	if err := session.WriteHelloAck(conn, ack); err != nil {
		return
	}

	for {
		fr, err := frame.Read(reader, s.cfg.Session.MaxPayload)
		if err != nil {
			return
		}
		req, err := session.DecodeAddAppointmentFrame(fr)
		if err != nil {
			raw, _ := session.EncodeErrorFrame(fr.Header.MessageID, err.Error())
			_, _ = conn.Write(raw)
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, req)
		handler := s.handler
		s.mu.Unlock()

		reply := Reply{StartBlock: 100}
		if handler != nil {
			reply = handler(req)
		}
		switch {
		case reply.Hangup:
			return
		case reply.Hang:
			_, _ = reader.ReadByte()
			return
		}
		raw, err := s.answer(fr.Header.MessageID, req, reply)
		if err != nil {
			return
		}
		if _, err := conn.Write(raw); err != nil {
			return
		}
	}
}

func (s *Server) answer(messageID uint64, req session.AddAppointment, reply Reply) ([]byte, error) {
	if reply.Reject != nil {
		return session.EncodeRejectedFrame(messageID, session.Rejected{
			AppointmentID: req.AppointmentID,
			Code:          reply.Reject.Code,
			Reason:        reply.Reject.Message,
		})
	}
	signer := s.Key
	if reply.BadSignature {
		other, err := btcec.NewPrivateKey()
		if err != nil {
			return nil, err
		}
		signer = other
	}
	sig, err := wtcrypto.Sign(domain.ReceiptPayload(req.UserSignature, reply.StartBlock), signer)
	if err != nil {
		return nil, err
	}
	apptID := req.AppointmentID
	if reply.AppointmentID != "" {
		apptID = reply.AppointmentID
	}
	return session.EncodeAcceptedFrame(messageID, session.Accepted{
		AppointmentID:  apptID,
		TowerSignature: sig,
		StartBlock:     reply.StartBlock,
		TimestampMS:    uint64(time.Now().UnixMilli()),
	})
}
