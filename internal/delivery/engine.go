// Package delivery runs one delivery loop per tower.
//
// An Engine owns a FIFO of appointment ids for its tower and sends them one
// at a time. Every outcome is committed to the store before the next send,
// together with the tower status it implies. The loop halts for good when the
// tower becomes Unreachable or Misbehaving; a fresh Engine is started after
// the tower is re-registered.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/danmuck/towerctl/internal/domain"
	"github.com/danmuck/towerctl/internal/observability"
	"github.com/danmuck/towerctl/internal/protocol/session"
	"github.com/danmuck/towerctl/internal/store"
	"github.com/danmuck/towerctl/internal/wtcrypto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	ErrAlreadyStarted = errors.New("delivery: engine already started")
	ErrEmptyResponse  = errors.New("delivery: tower returned neither receipt nor rejection")
)

// Transport sends one appointment and returns the tower's answer. Any error,
// including a context deadline, is a transient failure.
type Transport interface {
	SendAppointment(ctx context.Context, tower domain.Tower, appt domain.Appointment) (domain.TowerResponse, error)
}

type Store interface {
	GetTower(id domain.TowerID) (domain.Tower, error)
	GetAppointment(id string) (domain.AppointmentRecord, error)
	ListPendingAppointments(id domain.TowerID) ([]domain.AppointmentRecord, error)
	UpdateAppointmentStatus(u store.StatusUpdate) (domain.AppointmentRecord, error)
}

// Refresher is told after every committed tower status change.
type Refresher interface {
	Refresh(id domain.TowerID) (domain.Tower, error)
}

type Config struct {
	Backoff session.BackoffConfig
	// MaxRetries is the number of consecutive failures tolerated. The next
	// failure marks the tower Unreachable.
	MaxRetries int
	// SendRate limits sends per second to one tower. Zero disables it.
	SendRate  float64
	SendBurst int
}

func DefaultConfig() Config {
	return Config{
		Backoff:    session.DefaultConfig().Backoff,
		MaxRetries: 5,
	}
}

// Attempt describes one finished delivery attempt.
type Attempt struct {
	TowerID       domain.TowerID
	AppointmentID string
	Outcome       string
	TowerStatus   domain.TowerStatus
	Err           error
	At            time.Time
}

type Hooks struct {
	// OnAttempt is called after each attempt has been committed.
	OnAttempt func(Attempt)
	// OnAbandoned receives the appointments left Pending when the tower is
	// found misbehaving.
	OnAbandoned func(tower domain.TowerID, pending []domain.AppointmentRecord)
}

type Deps struct {
	Store     Store
	Transport Transport
	Registry  Refresher
	Hooks     Hooks
	Now       func() time.Time
}

// Engine is the delivery loop of one tower.
type Engine struct {
	towerID domain.TowerID
	deps    Deps
	cfg     Config
	log     zerolog.Logger
	rng     *rand.Rand
	limiter *rate.Limiter

	mu      sync.Mutex
	queue   []string
	queued  map[string]struct{}
	started bool
	halted  bool
	cancel  context.CancelFunc

	wake chan struct{}
	done chan struct{}
}

func New(towerID domain.TowerID, deps Deps, cfg Config) *Engine {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff = def.Backoff
	}
	e := &Engine{
		towerID: towerID,
		deps:    deps,
		cfg:     cfg,
		log:     observability.Component("delivery").With().Str("tower", towerID.String()).Logger(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		queued:  make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if cfg.SendRate > 0 {
		burst := cfg.SendBurst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), burst)
	}
	return e
}

func (e *Engine) TowerID() domain.TowerID { return e.towerID }

// Start queues the tower's persisted Pending appointments in creation order
// and launches the loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.started = true
	ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	pending, err := e.deps.Store.ListPendingAppointments(e.towerID)
	if err != nil {
		close(e.done)
		return fmt.Errorf("delivery: load pending for %s: %w", e.towerID, err)
	}
	for _, rec := range pending {
		e.Enqueue(rec.ID)
	}
	e.log.Info().Int("pending", len(pending)).Msg("delivery.Start")
	go e.run(ctx)
	return nil
}

// Enqueue adds an appointment id to the tail of the queue. Ids already
// queued are ignored.
func (e *Engine) Enqueue(id string) {
	e.mu.Lock()
	if e.halted {
		e.mu.Unlock()
		return
	}
	if _, ok := e.queued[id]; ok {
		e.mu.Unlock()
		return
	}
	e.queued[id] = struct{}{}
	e.queue = append(e.queue, id)
	n := len(e.queue)
	e.mu.Unlock()

	observability.SetPending(e.towerID.String(), n)
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Stop cancels the loop and waits for it to exit. An in-flight send is
// abandoned without recording a failure.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	started := e.started
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if started {
		<-e.done
	}
}

// Done is closed when the loop exits.
func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) Halted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted
}

func (e *Engine) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	for {
		id, ok := e.head()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-e.wake:
				continue
			}
		}
		if !e.step(ctx, id) {
			return
		}
	}
}

// step makes at most one attempt for id and reports whether the loop should
// continue.
func (e *Engine) step(ctx context.Context, id string) bool {
	tower, err := e.deps.Store.GetTower(e.towerID)
	if err != nil {
		e.log.Error().Err(err).Msg("delivery.step load tower")
		return e.sleep(ctx, e.cfg.Backoff.InitialDelay)
	}
	if tower.Deregistered || !tower.Status.Deliverable() {
		e.halt(ctx, tower)
		return false
	}
	if tower.Status.State == domain.TowerTemporaryFailure {
		if wait := tower.Status.NextRetryAt.Sub(e.deps.Now()); wait > 0 {
			return e.sleep(ctx, wait)
		}
	}

	rec, err := e.deps.Store.GetAppointment(id)
	if err != nil {
		e.log.Error().Err(err).Str("appointment", id).Msg("delivery.step load appointment")
		if errors.Is(err, domain.ErrAppointmentNotFound) {
			e.pop(id)
			return true
		}
		return e.sleep(ctx, e.cfg.Backoff.InitialDelay)
	}
	if rec.Status != domain.AppointmentPending {
		e.pop(id)
		return true
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return false
		}
	}

	start := time.Now()
	resp, sendErr := e.deps.Transport.SendAppointment(ctx, tower, rec.Appointment)
	if ctx.Err() != nil {
		return false
	}
	if sendErr == nil && resp.Receipt == nil && resp.Reject == nil {
		sendErr = ErrEmptyResponse
	}

	var attempt Attempt
	switch {
	case sendErr != nil:
		attempt, err = e.commitFailure(tower, rec, sendErr)
	case resp.Reject != nil:
		attempt, err = e.commitRejected(rec, resp.Reject)
	default:
		attempt, err = e.commitReceipt(tower, rec, resp.Receipt)
	}
	observability.RecordDelivery(e.towerID.String(), attempt.Outcome, time.Since(start))
	if err != nil {
		// Nothing was written; the appointment is still Pending and is
		// retried after a pause.
		e.log.Error().Err(err).Str("appointment", id).Msg("delivery.step commit outcome")
		return e.sleep(ctx, e.cfg.Backoff.InitialDelay)
	}

	if attempt.Outcome != observability.OutcomeTransportError {
		e.pop(id)
	}
	refreshed, err := e.deps.Registry.Refresh(e.towerID)
	if err != nil {
		e.log.Warn().Err(err).Msg("delivery.step refresh registry")
		refreshed = tower
		refreshed.Status = attempt.TowerStatus
	}
	observability.RecordTowerStatus(e.towerID.String(), attempt.TowerStatus.State.String(), attempt.TowerStatus.RetryCount)
	if e.deps.Hooks.OnAttempt != nil {
		attempt.At = e.deps.Now()
		e.deps.Hooks.OnAttempt(attempt)
	}
	if !attempt.TowerStatus.Deliverable() {
		// The queue may be empty now; stop here rather than wait for a
		// wake that a distrusted or exhausted tower will never get.
		e.halt(ctx, refreshed)
		return false
	}
	return true
}

func (e *Engine) commitFailure(tower domain.Tower, rec domain.AppointmentRecord, sendErr error) (Attempt, error) {
	n := 1
	if tower.Status.State == domain.TowerTemporaryFailure {
		n = tower.Status.RetryCount + 1
	}
	next := domain.Unreachable()
	if n <= e.cfg.MaxRetries {
		delay := session.NextBackoffDelay(e.cfg.Backoff, n, e.rng)
		next = domain.TemporaryFailure(n, e.deps.Now().Add(delay))
	}
	_, err := e.deps.Store.UpdateAppointmentStatus(store.StatusUpdate{
		AppointmentID: rec.ID,
		Status:        domain.AppointmentPending,
		CountAttempt:  true,
		LastError:     sendErr.Error(),
		TowerStatus:   &next,
	})
	if err != nil {
		return Attempt{Outcome: observability.OutcomeTransportError}, err
	}
	ev := e.log.Warn().Err(sendErr).Str("appointment", rec.ID).Int("retry", n)
	if next.State == domain.TowerUnreachable {
		ev.Msg("delivery.commitFailure retries exhausted, tower unreachable")
	} else {
		ev.Time("next_retry_at", next.NextRetryAt).Msg("delivery.commitFailure")
	}
	return Attempt{
		TowerID:       e.towerID,
		AppointmentID: rec.ID,
		Outcome:       observability.OutcomeTransportError,
		TowerStatus:   next,
		Err:           sendErr,
	}, nil
}

func (e *Engine) commitRejected(rec domain.AppointmentRecord, reject *domain.RejectReason) (Attempt, error) {
	reachable := domain.Reachable()
	_, err := e.deps.Store.UpdateAppointmentStatus(store.StatusUpdate{
		AppointmentID: rec.ID,
		Status:        domain.AppointmentRejected,
		Reject:        reject,
		CountAttempt:  true,
		TowerStatus:   &reachable,
	})
	if err != nil {
		return Attempt{Outcome: observability.OutcomeRejected}, err
	}
	e.log.Warn().
		Str("appointment", rec.ID).
		Uint32("code", reject.Code).
		Str("reason", reject.Message).
		Msg("delivery.commitRejected")
	return Attempt{
		TowerID:       e.towerID,
		AppointmentID: rec.ID,
		Outcome:       observability.OutcomeRejected,
		TowerStatus:   reachable,
	}, nil
}

func (e *Engine) commitReceipt(tower domain.Tower, rec domain.AppointmentRecord, receipt *domain.Receipt) (Attempt, error) {
	if verifyReceipt(tower, rec, receipt) {
		reachable := domain.Reachable()
		_, err := e.deps.Store.UpdateAppointmentStatus(store.StatusUpdate{
			AppointmentID: rec.ID,
			Status:        domain.AppointmentAccepted,
			Receipt:       receipt,
			CountAttempt:  true,
			TowerStatus:   &reachable,
		})
		if err != nil {
			return Attempt{Outcome: observability.OutcomeAccepted}, err
		}
		e.log.Info().Str("appointment", rec.ID).Uint32("start_block", receipt.StartBlock).Msg("delivery.commitReceipt accepted")
		return Attempt{
			TowerID:       e.towerID,
			AppointmentID: rec.ID,
			Outcome:       observability.OutcomeAccepted,
			TowerStatus:   reachable,
		}, nil
	}

	misbehaving := domain.Misbehaving()
	_, err := e.deps.Store.UpdateAppointmentStatus(store.StatusUpdate{
		AppointmentID: rec.ID,
		Status:        domain.AppointmentInvalidReceipt,
		CountAttempt:  true,
		LastError:     "receipt signature does not match tower key",
		TowerStatus:   &misbehaving,
	})
	if err != nil {
		return Attempt{Outcome: observability.OutcomeInvalidReceipt}, err
	}
	e.log.Error().Str("appointment", rec.ID).Msg("delivery.commitReceipt invalid receipt, tower misbehaving")
	return Attempt{
		TowerID:       e.towerID,
		AppointmentID: rec.ID,
		Outcome:       observability.OutcomeInvalidReceipt,
		TowerStatus:   misbehaving,
	}, nil
}

// verifyReceipt checks that the receipt names the appointment and that its
// signature over user_signature || start_block recovers to the tower key.
func verifyReceipt(tower domain.Tower, rec domain.AppointmentRecord, receipt *domain.Receipt) bool {
	if receipt == nil || receipt.AppointmentID != rec.ID || tower.PubKey == nil {
		return false
	}
	payload := domain.ReceiptPayload(rec.UserSignature, receipt.StartBlock)
	return wtcrypto.Verify(payload, receipt.TowerSignature, tower.PubKey)
}

func (e *Engine) halt(ctx context.Context, tower domain.Tower) {
	e.mu.Lock()
	e.halted = true
	queued := len(e.queue)
	e.queue = nil
	e.queued = make(map[string]struct{})
	e.mu.Unlock()
	observability.SetPending(e.towerID.String(), 0)

	ev := e.log.Warn().Str("status", tower.Status.String()).Bool("deregistered", tower.Deregistered).Int("queued", queued)
	if tower.Status.State != domain.TowerMisbehaving {
		ev.Msg("delivery.halt")
		return
	}
	pending, err := e.deps.Store.ListPendingAppointments(e.towerID)
	if err != nil {
		e.log.Error().Err(err).Msg("delivery.halt list abandoned")
		return
	}
	ev.Int("abandoned", len(pending)).Msg("delivery.halt tower misbehaving, pending appointments abandoned")
	if len(pending) > 0 {
		observability.RecordAbandoned(e.towerID.String(), len(pending))
	}
	if e.deps.Hooks.OnAbandoned != nil && ctx.Err() == nil {
		e.deps.Hooks.OnAbandoned(e.towerID, pending)
	}
}

func (e *Engine) head() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return "", false
	}
	return e.queue[0], true
}

func (e *Engine) pop(id string) {
	e.mu.Lock()
	if len(e.queue) > 0 && e.queue[0] == id {
		e.queue = e.queue[1:]
	}
	delete(e.queued, id)
	n := len(e.queue)
	e.mu.Unlock()
	observability.SetPending(e.towerID.String(), n)
}

// sleep waits for d or cancellation and reports whether the loop should
// continue.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
