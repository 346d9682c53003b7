// Package registry is the in-memory view of known towers.
//
// The store is authoritative: every write commits there first and the cached
// entry is replaced with what the store returned. Delivery engines call
// Refresh after they commit a tower status change.
package registry

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/towerctl/internal/domain"
	"github.com/rs/zerolog/log"
)

// Store is the subset of the persistent store the registry needs.
type Store interface {
	UpsertTower(t domain.Tower) (domain.Tower, error)
	GetTower(id domain.TowerID) (domain.Tower, error)
	ListTowers() ([]domain.Tower, error)
}

type Registry struct {
	store Store

	// writeMu serializes every store read that ends in a cache write, so a
	// slow Refresh cannot overwrite a newer Register and two registrations
	// of one key cannot both pass the existence check.
	writeMu sync.Mutex

	mu     sync.RWMutex
	towers map[domain.TowerID]domain.Tower
}

func New(store Store) *Registry {
	return &Registry{
		store:  store,
		towers: make(map[domain.TowerID]domain.Tower),
	}
}

// Load replaces the view with every tower in the store.
func (r *Registry) Load() error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	list, err := r.store.ListTowers()
	if err != nil {
		return fmt.Errorf("registry: load: %w", err)
	}
	next := make(map[domain.TowerID]domain.Tower, len(list))
	for _, t := range list {
		next[t.ID] = t
	}
	r.mu.Lock()
	r.towers = next
	r.mu.Unlock()
	log.Info().Int("towers", len(next)).Msg("registry.Load")
	return nil
}

// Register adds a tower or re-activates a known one.
//
// A Misbehaving tower is refused with ErrTowerRejected. A tower that is
// registered and still deliverable is refused with ErrAlreadyRegistered.
// An Unreachable or deregistered tower is reset to Reachable at address.
func (r *Registry) Register(address string, pubKeyHex string) (domain.Tower, error) {
	address = strings.TrimSpace(address)
	if _, _, err := net.SplitHostPort(address); err != nil {
		return domain.Tower{}, fmt.Errorf("%w: %q: %v", domain.ErrInvalidAddress, address, err)
	}
	pk, err := domain.ParseTowerPubKey(pubKeyHex)
	if err != nil {
		return domain.Tower{}, err
	}
	id := domain.TowerIDFromPubKey(pk)

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	existing, err := r.store.GetTower(id)
	switch {
	case err == nil:
		if existing.Status.State == domain.TowerMisbehaving {
			return domain.Tower{}, fmt.Errorf("%w: %s is misbehaving", domain.ErrTowerRejected, id)
		}
		if !existing.Deregistered && existing.Status.Deliverable() {
			return domain.Tower{}, fmt.Errorf("%w: %s", domain.ErrAlreadyRegistered, id)
		}
	case errors.Is(err, domain.ErrTowerNotFound):
		existing = domain.Tower{ID: id}
	default:
		return domain.Tower{}, fmt.Errorf("registry: register %s: %w", id, err)
	}

	existing.Address = address
	existing.PubKey = pk
	existing.Status = domain.Reachable()
	existing.Deregistered = false
	saved, err := r.store.UpsertTower(existing)
	if err != nil {
		return domain.Tower{}, fmt.Errorf("registry: register %s: %w", id, err)
	}
	r.put(saved)
	log.Info().Str("tower", id.String()).Str("addr", address).Msg("registry.Register")
	return saved, nil
}

// Deregister marks the tower deregistered. Its history stays in the store.
func (r *Registry) Deregister(id domain.TowerID) (domain.Tower, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	t, err := r.store.GetTower(id)
	if err != nil {
		return domain.Tower{}, err
	}
	if t.Deregistered {
		return t, nil
	}
	t.Deregistered = true
	saved, err := r.store.UpsertTower(t)
	if err != nil {
		return domain.Tower{}, fmt.Errorf("registry: deregister %s: %w", id, err)
	}
	r.put(saved)
	log.Info().Str("tower", id.String()).Msg("registry.Deregister")
	return saved, nil
}

// Get returns the cached tower, deregistered ones included.
func (r *Registry) Get(id domain.TowerID) (domain.Tower, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.towers[id]
	return t, ok
}

func (r *Registry) Status(id domain.TowerID) (domain.TowerStatus, error) {
	t, ok := r.Get(id)
	if !ok {
		return domain.TowerStatus{}, fmt.Errorf("registry: %s: %w", id, domain.ErrTowerNotFound)
	}
	return t.Status, nil
}

// List returns registered towers in registration order. Deregistered towers
// are omitted.
func (r *Registry) List() []domain.Tower {
	r.mu.RLock()
	out := make([]domain.Tower, 0, len(r.towers))
	for _, t := range r.towers {
		if !t.Deregistered {
			out = append(out, t)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Deliverable returns the registered towers that accept new appointments.
func (r *Registry) Deliverable() []domain.Tower {
	all := r.List()
	out := all[:0]
	for _, t := range all {
		if t.Status.Deliverable() {
			out = append(out, t)
		}
	}
	return out
}

// Refresh reloads one tower from the store.
func (r *Registry) Refresh(id domain.TowerID) (domain.Tower, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	t, err := r.store.GetTower(id)
	if err != nil {
		return domain.Tower{}, err
	}
	r.put(t)
	return t, nil
}

func (r *Registry) put(t domain.Tower) {
	r.mu.Lock()
	r.towers[t.ID] = t
	r.mu.Unlock()
}
