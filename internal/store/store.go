// Package store is the durable system of record for towers, appointments and
// receipts, backed by goleveldb.
//
// Every mutation is a single synced batch. A status change and the records it
// depends on (receipt, tower status, pending index) always land together, so a
// crash leaves either the old or the new state and never a mix.
//
// Key layout:
// - t/<tower_id>                      tower row
// - a/<appointment_id>                appointment row (with receipt/reject)
// - p/<tower_id>/<seq>                pending index, value = appointment id
// - c/<hex(channel_id)>/<seq>         channel index, value = appointment id
// - m/seq                             monotonic insertion sequence
package store

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/towerctl/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	ErrClosed        = errors.New("store: closed")
	ErrInvalidUpdate = errors.New("store: invalid status update")
)

var (
	prefixTower       = []byte("t/")
	prefixAppointment = []byte("a/")
	prefixPending     = []byte("p/")
	prefixChannel     = []byte("c/")
	keySeq            = []byte("m/seq")
)

// DB is the leveldb backed store.
type DB struct {
	mu  sync.Mutex
	ldb *leveldb.DB
	wo  *opt.WriteOptions
	now func() time.Time
}

// Open opens or creates a store rooted at path.
func Open(path string) (*DB, error) {
	ldb, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	log.Info().Str("path", path).Msg("store.Open ready")
	return newDB(ldb), nil
}

// OpenMemory opens a non-durable store, used by tests and dry runs.
func OpenMemory() (*DB, error) {
	ldb, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("store: open memory: %w", err)
	}
	return newDB(ldb), nil
}

func newDB(ldb *leveldb.DB) *DB {
	return &DB{
		ldb: ldb,
		wo:  &opt.WriteOptions{Sync: true},
		now: time.Now,
	}
}

func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ldb == nil {
		return nil
	}
	err := d.ldb.Close()
	d.ldb = nil
	return err
}

// UpsertTower writes a tower row. A zero Seq is assigned the next insertion
// sequence so list order follows registration order. A Misbehaving row can
// only be rewritten as Misbehaving.
func (d *DB) UpsertTower(t domain.Tower) (domain.Tower, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ldb == nil {
		return domain.Tower{}, ErrClosed
	}
	if strings.TrimSpace(string(t.ID)) == "" || t.PubKey == nil {
		return domain.Tower{}, fmt.Errorf("store: upsert tower: %w", domain.ErrInvalidTowerKey)
	}

	existing, err := d.getTowerLocked(t.ID)
	switch {
	case err == nil:
		status, err := existing.Status.Transition(t.Status)
		if err != nil {
			return domain.Tower{}, fmt.Errorf("store: upsert tower %s: %w", t.ID, err)
		}
		t.Status = status
		if t.Seq == 0 {
			t.Seq = existing.Seq
		}
		if t.RegisteredAt.IsZero() {
			t.RegisteredAt = existing.RegisteredAt
		}
	case errors.Is(err, domain.ErrTowerNotFound):
		if t.Status.State == 0 {
			t.Status = domain.Reachable()
		}
	default:
		return domain.Tower{}, err
	}

	batch := new(leveldb.Batch)
	if t.Seq == 0 {
		seq, err := d.nextSeqLocked(batch)
		if err != nil {
			return domain.Tower{}, err
		}
		t.Seq = seq
	}
	if t.RegisteredAt.IsZero() {
		t.RegisteredAt = d.now().UTC()
	}
	if err := putJSON(batch, towerKey(t.ID), towerToRecord(t)); err != nil {
		return domain.Tower{}, err
	}
	if err := d.ldb.Write(batch, d.wo); err != nil {
		return domain.Tower{}, fmt.Errorf("store: upsert tower %s: %w", t.ID, err)
	}
	return d.getTowerLocked(t.ID)
}

// SetTowerStatus moves one tower to next, enforcing the status state machine.
func (d *DB) SetTowerStatus(id domain.TowerID, next domain.TowerStatus) (domain.Tower, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ldb == nil {
		return domain.Tower{}, ErrClosed
	}
	batch := new(leveldb.Batch)
	if _, err := d.stageTowerStatusLocked(batch, id, next); err != nil {
		return domain.Tower{}, err
	}
	if err := d.ldb.Write(batch, d.wo); err != nil {
		return domain.Tower{}, fmt.Errorf("store: set tower status %s: %w", id, err)
	}
	return d.getTowerLocked(id)
}

func (d *DB) GetTower(id domain.TowerID) (domain.Tower, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ldb == nil {
		return domain.Tower{}, ErrClosed
	}
	return d.getTowerLocked(id)
}

// ListTowers returns every tower row, deregistered ones included, in
// registration order.
func (d *DB) ListTowers() ([]domain.Tower, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ldb == nil {
		return nil, ErrClosed
	}
	out := make([]domain.Tower, 0)
	iter := d.ldb.NewIterator(util.BytesPrefix(prefixTower), nil)
	defer iter.Release()
	for iter.Next() {
		var rec towerRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("store: decode tower %q: %w", iter.Key(), err)
		}
		t, err := rec.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("store: list towers: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

// InsertAppointment durably records a new Pending appointment. Inserting an
// id that already exists writes nothing and returns the stored record with
// an error wrapping domain.ErrDuplicateAppointment.
func (d *DB) InsertAppointment(a domain.Appointment) (domain.AppointmentRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ldb == nil {
		return domain.AppointmentRecord{}, ErrClosed
	}
	if strings.TrimSpace(a.ID) == "" {
		return domain.AppointmentRecord{}, fmt.Errorf("%w: missing appointment id", domain.ErrEncoding)
	}

	existing, err := d.getAppointmentLocked(a.ID)
	if err == nil {
		return existing, fmt.Errorf("store: insert %s: %w", a.ID, domain.ErrDuplicateAppointment)
	}
	if !errors.Is(err, domain.ErrAppointmentNotFound) {
		return domain.AppointmentRecord{}, err
	}
	if _, err := d.getTowerLocked(a.TowerID); err != nil {
		return domain.AppointmentRecord{}, fmt.Errorf("store: insert %s: %w", a.ID, err)
	}

	batch := new(leveldb.Batch)
	seq, err := d.nextSeqLocked(batch)
	if err != nil {
		return domain.AppointmentRecord{}, err
	}
	rec := appointmentToRecord(a)
	rec.Seq = seq
	rec.UpdatedAtMS = msFromTime(d.now())
	if err := putJSON(batch, appointmentKey(a.ID), rec); err != nil {
		return domain.AppointmentRecord{}, err
	}
	batch.Put(pendingKey(a.TowerID, seq), []byte(a.ID))
	batch.Put(channelKey(a.ChannelID, seq), []byte(a.ID))
	if err := d.ldb.Write(batch, d.wo); err != nil {
		return domain.AppointmentRecord{}, fmt.Errorf("store: insert %s: %w", a.ID, err)
	}
	return rec.toDomain()
}

func (d *DB) GetAppointment(id string) (domain.AppointmentRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ldb == nil {
		return domain.AppointmentRecord{}, ErrClosed
	}
	return d.getAppointmentLocked(id)
}

// StatusUpdate is one delivery outcome to commit atomically.
type StatusUpdate struct {
	AppointmentID string
	Status        domain.AppointmentStatus
	Receipt       *domain.Receipt
	Reject        *domain.RejectReason
	LastError     string
	CountAttempt  bool
	// TowerStatus, when set, moves the appointment's tower in the same batch.
	TowerStatus *domain.TowerStatus
}

// UpdateAppointmentStatus commits one delivery outcome. Terminal rows are
// immutable and Accepted requires a receipt for the same appointment.
func (d *DB) UpdateAppointmentStatus(u StatusUpdate) (domain.AppointmentRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ldb == nil {
		return domain.AppointmentRecord{}, ErrClosed
	}
	if !u.Status.Valid() {
		return domain.AppointmentRecord{}, fmt.Errorf("%w: unknown status %q", ErrInvalidUpdate, u.Status)
	}
	if u.Status == domain.AppointmentAccepted {
		if u.Receipt == nil || u.Receipt.AppointmentID != u.AppointmentID {
			return domain.AppointmentRecord{}, fmt.Errorf("store: update %s: %w", u.AppointmentID, domain.ErrMissingReceipt)
		}
	}

	var rec appointmentRecord
	found, err := getJSON(d.ldb, appointmentKey(u.AppointmentID), &rec)
	if err != nil {
		return domain.AppointmentRecord{}, err
	}
	if !found {
		return domain.AppointmentRecord{}, fmt.Errorf("store: update %s: %w", u.AppointmentID, domain.ErrAppointmentNotFound)
	}
	current := domain.AppointmentStatus(rec.Status)
	if current.Terminal() {
		return domain.AppointmentRecord{}, fmt.Errorf(
			"%w: appointment %s is %s", domain.ErrInvalidTransition, u.AppointmentID, current,
		)
	}

	batch := new(leveldb.Batch)
	if u.TowerStatus != nil {
		if _, err := d.stageTowerStatusLocked(batch, domain.TowerID(rec.TowerID), *u.TowerStatus); err != nil {
			return domain.AppointmentRecord{}, err
		}
	}

	rec.Status = string(u.Status)
	rec.UpdatedAtMS = msFromTime(d.now())
	if u.CountAttempt {
		rec.Attempts++
	}
	rec.LastError = strings.TrimSpace(u.LastError)
	if u.Receipt != nil {
		rec.Receipt = &receiptRecord{
			TowerSignature: u.Receipt.TowerSignature,
			StartBlock:     u.Receipt.StartBlock,
			IssuedAtMS:     msFromTime(u.Receipt.IssuedAt),
		}
	}
	if u.Reject != nil {
		rec.Reject = &rejectRecord{Code: u.Reject.Code, Message: u.Reject.Message}
	}
	if err := putJSON(batch, appointmentKey(rec.ID), rec); err != nil {
		return domain.AppointmentRecord{}, err
	}
	if u.Status.Terminal() {
		batch.Delete(pendingKey(domain.TowerID(rec.TowerID), rec.Seq))
	}
	if err := d.ldb.Write(batch, d.wo); err != nil {
		return domain.AppointmentRecord{}, fmt.Errorf("store: update %s: %w", u.AppointmentID, err)
	}
	return rec.toDomain()
}

// ListPendingAppointments returns the tower's Pending appointments in
// insertion order.
func (d *DB) ListPendingAppointments(id domain.TowerID) ([]domain.AppointmentRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ldb == nil {
		return nil, ErrClosed
	}
	prefix := append(append([]byte{}, prefixPending...), []byte(string(id)+"/")...)
	return d.listIndexedLocked(prefix)
}

// ListAppointmentsByChannel returns every appointment built for channelID in
// insertion order, across towers and statuses.
func (d *DB) ListAppointmentsByChannel(channelID string) ([]domain.AppointmentRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ldb == nil {
		return nil, ErrClosed
	}
	return d.listIndexedLocked(channelPrefix(channelID))
}

func (d *DB) listIndexedLocked(prefix []byte) ([]domain.AppointmentRecord, error) {
	iter := d.ldb.NewIterator(util.BytesPrefix(prefix), nil)
	ids := make([]string, 0)
	for iter.Next() {
		ids = append(ids, string(iter.Value()))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("store: scan index: %w", err)
	}
	out := make([]domain.AppointmentRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := d.getAppointmentLocked(id)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (d *DB) getTowerLocked(id domain.TowerID) (domain.Tower, error) {
	var rec towerRecord
	found, err := getJSON(d.ldb, towerKey(id), &rec)
	if err != nil {
		return domain.Tower{}, err
	}
	if !found {
		return domain.Tower{}, fmt.Errorf("store: tower %s: %w", id, domain.ErrTowerNotFound)
	}
	return rec.toDomain()
}

func (d *DB) getAppointmentLocked(id string) (domain.AppointmentRecord, error) {
	var rec appointmentRecord
	found, err := getJSON(d.ldb, appointmentKey(id), &rec)
	if err != nil {
		return domain.AppointmentRecord{}, err
	}
	if !found {
		return domain.AppointmentRecord{}, fmt.Errorf("store: appointment %s: %w", id, domain.ErrAppointmentNotFound)
	}
	return rec.toDomain()
}

func (d *DB) stageTowerStatusLocked(batch *leveldb.Batch, id domain.TowerID, next domain.TowerStatus) (domain.Tower, error) {
	t, err := d.getTowerLocked(id)
	if err != nil {
		return domain.Tower{}, err
	}
	status, err := t.Status.Transition(next)
	if err != nil {
		return domain.Tower{}, fmt.Errorf("store: tower %s: %w", id, err)
	}
	t.Status = status
	if err := putJSON(batch, towerKey(id), towerToRecord(t)); err != nil {
		return domain.Tower{}, err
	}
	return t, nil
}

// nextSeqLocked stages the sequence bump in batch and returns the new value.
func (d *DB) nextSeqLocked(batch *leveldb.Batch) (uint64, error) {
	var seq uint64
	raw, err := d.ldb.Get(keySeq, nil)
	switch {
	case err == nil:
		if len(raw) != 8 {
			return 0, fmt.Errorf("store: corrupt sequence length %d", len(raw))
		}
		seq = binary.BigEndian.Uint64(raw)
	case errors.Is(err, leveldb.ErrNotFound):
	default:
		return 0, fmt.Errorf("store: read sequence: %w", err)
	}
	seq++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	batch.Put(keySeq, buf)
	return seq, nil
}

func putJSON(batch *leveldb.Batch, key []byte, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %q: %w", key, err)
	}
	batch.Put(key, payload)
	return nil
}

func getJSON(ldb *leveldb.DB, key []byte, out any) (bool, error) {
	raw, err := ldb.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: get %q: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("store: decode %q: %w", key, err)
	}
	return true, nil
}

func towerKey(id domain.TowerID) []byte {
	return append(append([]byte{}, prefixTower...), id...)
}

func appointmentKey(id string) []byte {
	return append(append([]byte{}, prefixAppointment...), id...)
}

func pendingKey(id domain.TowerID, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%016x", prefixPending, id, seq))
}

func channelPrefix(channelID string) []byte {
	return []byte(fmt.Sprintf("%s%s/", prefixChannel, hex.EncodeToString([]byte(strings.TrimSpace(channelID)))))
}

func channelKey(channelID string, seq uint64) []byte {
	return append(channelPrefix(channelID), []byte(fmt.Sprintf("%016x", seq))...)
}
