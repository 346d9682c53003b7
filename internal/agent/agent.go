// Package agent ties the registry, builder, store and per-tower delivery
// engines together and exposes the host and operator entry points.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/danmuck/towerctl/internal/appointment"
	"github.com/danmuck/towerctl/internal/delivery"
	"github.com/danmuck/towerctl/internal/domain"
	"github.com/danmuck/towerctl/internal/observability"
	"github.com/danmuck/towerctl/internal/registry"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotStarted   = errors.New("agent: not started")
	ErrUserKeyNil   = errors.New("agent: user key required")
	ErrStoreNil     = errors.New("agent: store required")
	ErrTransportNil = errors.New("agent: transport required")
)

// Store is everything the agent and its engines persist through.
type Store interface {
	registry.Store
	delivery.Store
	InsertAppointment(a domain.Appointment) (domain.AppointmentRecord, error)
	ListAppointmentsByChannel(channelID string) ([]domain.AppointmentRecord, error)
}

// Transport delivers appointments and can drop a tower's connection.
type Transport interface {
	delivery.Transport
	Drop(id domain.TowerID)
}

type Config struct {
	UserKey  *btcec.PrivateKey
	Delivery delivery.Config
	Hooks    delivery.Hooks
}

type Agent struct {
	store     Store
	transport Transport
	registry  *registry.Registry
	builder   *appointment.Builder
	cfg       Config

	mu      sync.Mutex
	ctx     context.Context
	engines map[domain.TowerID]*delivery.Engine
}

func New(store Store, transport Transport, cfg Config) (*Agent, error) {
	if store == nil {
		return nil, ErrStoreNil
	}
	if transport == nil {
		return nil, ErrTransportNil
	}
	if cfg.UserKey == nil {
		return nil, ErrUserKeyNil
	}
	return &Agent{
		store:     store,
		transport: transport,
		registry:  registry.New(store),
		builder:   appointment.NewBuilder(cfg.UserKey),
		cfg:       cfg,
		engines:   make(map[domain.TowerID]*delivery.Engine),
	}, nil
}

// Registry exposes the tower view.
func (a *Agent) Registry() *registry.Registry { return a.registry }

// OnStartup loads towers and starts an engine for every active tower. Each
// engine resumes from its tower's persisted Pending appointments. Engines
// live until ctx is cancelled or Close is called.
func (a *Agent) OnStartup(ctx context.Context) error {
	if err := a.registry.Load(); err != nil {
		return err
	}
	a.mu.Lock()
	a.ctx = ctx
	a.mu.Unlock()

	started := 0
	for _, t := range a.registry.List() {
		if t.Status.State == domain.TowerMisbehaving {
			if pending, err := a.store.ListPendingAppointments(t.ID); err == nil && len(pending) > 0 {
				log.Warn().Str("tower", t.ID.String()).Int("abandoned", len(pending)).Msg("agent.OnStartup misbehaving tower has abandoned appointments")
			}
			continue
		}
		if !t.Active() {
			continue
		}
		if _, err := a.ensureEngine(t.ID); err != nil {
			return err
		}
		started++
	}
	log.Info().Int("engines", started).Msg("agent.OnStartup")
	return nil
}

// OnChannelUpdate builds one appointment per deliverable tower, persists
// each as Pending and hands it to the tower's engine. It returns the stored
// records. A repeated update for the same commitment is a no-op per tower.
func (a *Agent) OnChannelUpdate(ctx context.Context, update domain.ChannelUpdate) ([]domain.AppointmentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !a.started() {
		return nil, ErrNotStarted
	}

	towers := a.registry.Deliverable()
	out := make([]domain.AppointmentRecord, 0, len(towers))
	for _, t := range towers {
		appt, err := a.builder.Build(update, t)
		if err != nil {
			return out, fmt.Errorf("agent: build for %s: %w", t.ID, err)
		}
		rec, err := a.store.InsertAppointment(appt)
		switch {
		case err == nil:
			observability.RecordAppointmentBuilt(t.ID.String())
		case errors.Is(err, domain.ErrDuplicateAppointment):
			log.Debug().Str("tower", t.ID.String()).Str("appointment", appt.ID).Msg("agent.OnChannelUpdate duplicate")
		default:
			return out, fmt.Errorf("agent: persist for %s: %w", t.ID, err)
		}
		out = append(out, rec)
		if rec.Status != domain.AppointmentPending {
			continue
		}

		engine, err := a.ensureEngine(t.ID)
		if err != nil {
			return out, err
		}
		engine.Enqueue(rec.ID)
	}
	log.Debug().
		Str("channel", update.ChannelID).
		Uint64("height", update.CommitmentHeight).
		Int("appointments", len(out)).
		Msg("agent.OnChannelUpdate")
	return out, nil
}

// RegisterTower adds or re-activates a tower and starts its engine.
func (a *Agent) RegisterTower(address, pubKeyHex string) (domain.Tower, error) {
	if !a.started() {
		return domain.Tower{}, ErrNotStarted
	}
	t, err := a.registry.Register(address, pubKeyHex)
	if err != nil {
		return domain.Tower{}, err
	}
	// A halted engine from a previous registration still holds the old
	// address; stop it so the new one picks up the fresh row.
	a.stopEngine(t.ID)
	a.transport.Drop(t.ID)
	if _, err := a.ensureEngine(t.ID); err != nil {
		return domain.Tower{}, err
	}
	return t, nil
}

// DeregisterTower stops delivery to the tower. Its appointments stay in the
// store.
func (a *Agent) DeregisterTower(id domain.TowerID) (domain.Tower, error) {
	t, err := a.registry.Deregister(id)
	if err != nil {
		return domain.Tower{}, err
	}
	a.stopEngine(id)
	a.transport.Drop(id)
	return t, nil
}

func (a *Agent) ListTowers() []domain.Tower {
	return a.registry.List()
}

func (a *Agent) Tower(id domain.TowerID) (domain.Tower, error) {
	t, ok := a.registry.Get(id)
	if !ok || t.Deregistered {
		return domain.Tower{}, fmt.Errorf("agent: %s: %w", id, domain.ErrTowerNotFound)
	}
	return t, nil
}

func (a *Agent) TowerStatus(id domain.TowerID) (domain.TowerStatus, error) {
	return a.registry.Status(id)
}

func (a *Agent) Appointment(id string) (domain.AppointmentRecord, error) {
	return a.store.GetAppointment(id)
}

func (a *Agent) ChannelAppointments(channelID string) ([]domain.AppointmentRecord, error) {
	return a.store.ListAppointmentsByChannel(channelID)
}

// AbandonedAppointments lists the Pending appointments stranded on a
// misbehaving tower. Other towers have none.
func (a *Agent) AbandonedAppointments(id domain.TowerID) ([]domain.AppointmentRecord, error) {
	t, err := a.store.GetTower(id)
	if err != nil {
		return nil, err
	}
	if t.Status.State != domain.TowerMisbehaving {
		return []domain.AppointmentRecord{}, nil
	}
	return a.store.ListPendingAppointments(id)
}

// Close stops every engine and waits for them to exit.
func (a *Agent) Close() {
	a.mu.Lock()
	engines := make([]*delivery.Engine, 0, len(a.engines))
	for id, e := range a.engines {
		engines = append(engines, e)
		delete(a.engines, id)
	}
	a.mu.Unlock()
	for _, e := range engines {
		e.Stop()
	}
}

func (a *Agent) started() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ctx != nil
}

// ensureEngine returns the tower's running engine, starting a new one when
// none exists or the previous one has halted.
func (a *Agent) ensureEngine(id domain.TowerID) (*delivery.Engine, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctx == nil {
		return nil, ErrNotStarted
	}
	if e, ok := a.engines[id]; ok {
		select {
		case <-e.Done():
		default:
			return e, nil
		}
	}
	e := delivery.New(id, delivery.Deps{
		Store:     a.store,
		Transport: a.transport,
		Registry:  a.registry,
		Hooks:     a.cfg.Hooks,
	}, a.cfg.Delivery)
	if err := e.Start(a.ctx); err != nil {
		return nil, err
	}
	a.engines[id] = e
	return e, nil
}

func (a *Agent) stopEngine(id domain.TowerID) {
	a.mu.Lock()
	e, ok := a.engines[id]
	delete(a.engines, id)
	a.mu.Unlock()
	if ok {
		e.Stop()
	}
}
