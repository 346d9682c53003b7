package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/danmuck/towerctl/internal/domain"
	"github.com/danmuck/towerctl/internal/testutil/testlog"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTower(t *testing.T, addr string) domain.Tower {
	t.Helper()
	sk, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	return domain.Tower{
		ID:      domain.TowerIDFromPubKey(sk.PubKey()),
		Address: addr,
		PubKey:  sk.PubKey(),
		Status:  domain.Reachable(),
	}
}

func newAppointment(id string, tower domain.TowerID, channel string) domain.Appointment {
	var loc domain.Locator
	copy(loc[:], id)
	return domain.Appointment{
		ID:            id,
		TowerID:       tower,
		ChannelID:     channel,
		Locator:       loc,
		EncryptedBlob: []byte("blob-" + id),
		ToSelfDelay:   144,
		UserSignature: "sig-" + id,
		CreatedAt:     time.Unix(1700000000, 0),
	}
}

func TestUpsertTowerAssignsRegistrationOrder(t *testing.T) {
	testlog.Start(t)
	db := openTestDB(t)
	a, err := db.UpsertTower(newTower(t, "10.0.0.1:9814"))
	if err != nil {
		t.Fatalf("upsert a: %v", err)
	}
	b, err := db.UpsertTower(newTower(t, "10.0.0.2:9814"))
	if err != nil {
		t.Fatalf("upsert b: %v", err)
	}
	if a.Seq == 0 || b.Seq <= a.Seq {
		t.Fatalf("unexpected sequences a=%d b=%d", a.Seq, b.Seq)
	}
	if a.RegisteredAt.IsZero() {
		t.Fatalf("expected registered_at to be set")
	}

	origSeq := a.Seq
	a.Address = "10.0.0.9:9814"
	a.Seq = 0
	updated, err := db.UpsertTower(a)
	if err != nil {
		t.Fatalf("re-upsert a: %v", err)
	}
	if updated.Seq != origSeq {
		t.Fatalf("seq changed on update: got %d want %d", updated.Seq, origSeq)
	}

	list, err := db.ListTowers()
	if err != nil {
		t.Fatalf("list towers: %v", err)
	}
	if len(list) != 2 || list[0].ID != a.ID || list[1].ID != b.ID {
		t.Fatalf("unexpected order: %+v", list)
	}
	if list[0].Address != "10.0.0.9:9814" {
		t.Fatalf("address not updated: %q", list[0].Address)
	}
}

func TestGetTowerNotFound(t *testing.T) {
	testlog.Start(t)
	db := openTestDB(t)
	if _, err := db.GetTower("missing"); !errors.Is(err, domain.ErrTowerNotFound) {
		t.Fatalf("expected ErrTowerNotFound, got %v", err)
	}
}

func TestTowerStatusPersistsRetryState(t *testing.T) {
	testlog.Start(t)
	db := openTestDB(t)
	tw, _ := db.UpsertTower(newTower(t, "tower:1"))
	at := time.UnixMilli(1700000123456).UTC()
	got, err := db.SetTowerStatus(tw.ID, domain.TemporaryFailure(2, at))
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	if got.Status.State != domain.TowerTemporaryFailure || got.Status.RetryCount != 2 || !got.Status.NextRetryAt.Equal(at) {
		t.Fatalf("unexpected status: %+v", got.Status)
	}
}

func TestMisbehavingTowerCannotBeReset(t *testing.T) {
	testlog.Start(t)
	db := openTestDB(t)
	tw, _ := db.UpsertTower(newTower(t, "tower:1"))
	if _, err := db.SetTowerStatus(tw.ID, domain.Misbehaving()); err != nil {
		t.Fatalf("set misbehaving: %v", err)
	}
	if _, err := db.SetTowerStatus(tw.ID, domain.Reachable()); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	tw.Status = domain.Reachable()
	if _, err := db.UpsertTower(tw); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected upsert to refuse reset, got %v", err)
	}
	got, _ := db.GetTower(tw.ID)
	if got.Status.State != domain.TowerMisbehaving {
		t.Fatalf("tower left misbehaving: %s", got.Status)
	}
}

func TestInsertAppointmentIsIdempotent(t *testing.T) {
	testlog.Start(t)
	db := openTestDB(t)
	tw, _ := db.UpsertTower(newTower(t, "tower:1"))
	appt := newAppointment("appt-1", tw.ID, "chan.1")

	first, err := db.InsertAppointment(appt)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if first.Status != domain.AppointmentPending {
		t.Fatalf("unexpected status: %s", first.Status)
	}
	second, err := db.InsertAppointment(appt)
	if !errors.Is(err, domain.ErrDuplicateAppointment) {
		t.Fatalf("expected ErrDuplicateAppointment, got %v", err)
	}
	if second.Seq != first.Seq {
		t.Fatalf("duplicate returned a different record")
	}
	pending, err := db.ListPendingAppointments(tw.ID)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected one pending record, got %d", len(pending))
	}
	byChannel, _ := db.ListAppointmentsByChannel("chan.1")
	if len(byChannel) != 1 {
		t.Fatalf("expected one channel record, got %d", len(byChannel))
	}
}

func TestInsertAppointmentRequiresKnownTower(t *testing.T) {
	testlog.Start(t)
	db := openTestDB(t)
	if _, err := db.InsertAppointment(newAppointment("appt-1", "unknown-tower", "chan.1")); !errors.Is(err, domain.ErrTowerNotFound) {
		t.Fatalf("expected ErrTowerNotFound, got %v", err)
	}
}

func TestListPendingIsFIFOAndDropsTerminal(t *testing.T) {
	testlog.Start(t)
	db := openTestDB(t)
	tw, _ := db.UpsertTower(newTower(t, "tower:1"))
	other, _ := db.UpsertTower(newTower(t, "tower:2"))
	for _, id := range []string{"appt-c", "appt-a", "appt-b"} {
		if _, err := db.InsertAppointment(newAppointment(id, tw.ID, "chan.1")); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	if _, err := db.InsertAppointment(newAppointment("appt-x", other.ID, "chan.1")); err != nil {
		t.Fatalf("insert other: %v", err)
	}

	if _, err := db.UpdateAppointmentStatus(StatusUpdate{
		AppointmentID: "appt-a",
		Status:        domain.AppointmentRejected,
		Reject:        &domain.RejectReason{Code: 20, Message: "over quota"},
	}); err != nil {
		t.Fatalf("reject: %v", err)
	}

	pending, err := db.ListPendingAppointments(tw.ID)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "appt-c" || pending[1].ID != "appt-b" {
		t.Fatalf("unexpected pending order: %+v", pending)
	}
	rejected, _ := db.GetAppointment("appt-a")
	if rejected.Reject == nil || rejected.Reject.Code != 20 {
		t.Fatalf("reject reason not stored: %+v", rejected)
	}
	byChannel, _ := db.ListAppointmentsByChannel("chan.1")
	if len(byChannel) != 4 {
		t.Fatalf("expected all four appointments by channel, got %d", len(byChannel))
	}
}

func TestAcceptedRequiresReceipt(t *testing.T) {
	testlog.Start(t)
	db := openTestDB(t)
	tw, _ := db.UpsertTower(newTower(t, "tower:1"))
	_, _ = db.InsertAppointment(newAppointment("appt-1", tw.ID, "chan.1"))

	_, err := db.UpdateAppointmentStatus(StatusUpdate{AppointmentID: "appt-1", Status: domain.AppointmentAccepted})
	if !errors.Is(err, domain.ErrMissingReceipt) {
		t.Fatalf("expected ErrMissingReceipt, got %v", err)
	}
	_, err = db.UpdateAppointmentStatus(StatusUpdate{
		AppointmentID: "appt-1",
		Status:        domain.AppointmentAccepted,
		Receipt:       &domain.Receipt{AppointmentID: "other"},
	})
	if !errors.Is(err, domain.ErrMissingReceipt) {
		t.Fatalf("expected ErrMissingReceipt for mismatched receipt, got %v", err)
	}
	got, _ := db.GetAppointment("appt-1")
	if got.Status != domain.AppointmentPending {
		t.Fatalf("status changed without receipt: %s", got.Status)
	}
}

func TestAcceptWithReceiptAndTowerResetIsAtomic(t *testing.T) {
	testlog.Start(t)
	db := openTestDB(t)
	tw, _ := db.UpsertTower(newTower(t, "tower:1"))
	_, _ = db.SetTowerStatus(tw.ID, domain.TemporaryFailure(3, time.Now().Add(time.Second)))
	_, _ = db.InsertAppointment(newAppointment("appt-1", tw.ID, "chan.1"))

	reachable := domain.Reachable()
	rec, err := db.UpdateAppointmentStatus(StatusUpdate{
		AppointmentID: "appt-1",
		Status:        domain.AppointmentAccepted,
		CountAttempt:  true,
		Receipt: &domain.Receipt{
			AppointmentID:  "appt-1",
			TowerSignature: "tower-sig",
			StartBlock:     800000,
			IssuedAt:       time.UnixMilli(1700000000000),
		},
		TowerStatus: &reachable,
	})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if rec.Status != domain.AppointmentAccepted || rec.Receipt == nil || rec.Receipt.StartBlock != 800000 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Attempts != 1 {
		t.Fatalf("unexpected attempts: %d", rec.Attempts)
	}
	got, _ := db.GetTower(tw.ID)
	if got.Status.State != domain.TowerReachable || got.Status.RetryCount != 0 {
		t.Fatalf("tower not reset: %+v", got.Status)
	}
	pending, _ := db.ListPendingAppointments(tw.ID)
	if len(pending) != 0 {
		t.Fatalf("accepted appointment still pending")
	}
}

func TestInvalidTowerTransitionAbortsWholeUpdate(t *testing.T) {
	testlog.Start(t)
	db := openTestDB(t)
	tw, _ := db.UpsertTower(newTower(t, "tower:1"))
	_, _ = db.SetTowerStatus(tw.ID, domain.Misbehaving())
	_, _ = db.InsertAppointment(newAppointment("appt-1", tw.ID, "chan.1"))

	reachable := domain.Reachable()
	_, err := db.UpdateAppointmentStatus(StatusUpdate{
		AppointmentID: "appt-1",
		Status:        domain.AppointmentAccepted,
		Receipt:       &domain.Receipt{AppointmentID: "appt-1"},
		TowerStatus:   &reachable,
	})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	got, _ := db.GetAppointment("appt-1")
	if got.Status != domain.AppointmentPending {
		t.Fatalf("appointment changed despite aborted batch: %s", got.Status)
	}
}

func TestTerminalAppointmentsAreImmutable(t *testing.T) {
	testlog.Start(t)
	db := openTestDB(t)
	tw, _ := db.UpsertTower(newTower(t, "tower:1"))
	_, _ = db.InsertAppointment(newAppointment("appt-1", tw.ID, "chan.1"))
	if _, err := db.UpdateAppointmentStatus(StatusUpdate{AppointmentID: "appt-1", Status: domain.AppointmentRejected}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	_, err := db.UpdateAppointmentStatus(StatusUpdate{
		AppointmentID: "appt-1",
		Status:        domain.AppointmentAccepted,
		Receipt:       &domain.Receipt{AppointmentID: "appt-1"},
	})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestPendingAttemptKeepsAppointmentQueued(t *testing.T) {
	testlog.Start(t)
	db := openTestDB(t)
	tw, _ := db.UpsertTower(newTower(t, "tower:1"))
	_, _ = db.InsertAppointment(newAppointment("appt-1", tw.ID, "chan.1"))
	failure := domain.TemporaryFailure(1, time.Now().Add(time.Second))
	rec, err := db.UpdateAppointmentStatus(StatusUpdate{
		AppointmentID: "appt-1",
		Status:        domain.AppointmentPending,
		CountAttempt:  true,
		LastError:     "connection refused",
		TowerStatus:   &failure,
	})
	if err != nil {
		t.Fatalf("record attempt: %v", err)
	}
	if rec.Attempts != 1 || rec.LastError != "connection refused" {
		t.Fatalf("unexpected attempt bookkeeping: %+v", rec)
	}
	pending, _ := db.ListPendingAppointments(tw.ID)
	if len(pending) != 1 {
		t.Fatalf("pending appointment dropped")
	}
}

func TestReopenPreservesState(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "wtclient.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	tw, _ := db.UpsertTower(newTower(t, "tower:1"))
	_, _ = db.InsertAppointment(newAppointment("appt-1", tw.ID, "chan.1"))
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := db.GetTower(tw.ID); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	pending, err := reopened.ListPendingAppointments(tw.ID)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "appt-1" {
		t.Fatalf("pending appointment lost across reopen: %+v", pending)
	}
	got, err := reopened.GetTower(tw.ID)
	if err != nil {
		t.Fatalf("get tower: %v", err)
	}
	if !got.PubKey.IsEqual(tw.PubKey) {
		t.Fatalf("tower key mismatch after reopen")
	}
	next, _ := reopened.InsertAppointment(newAppointment("appt-2", tw.ID, "chan.1"))
	if next.Seq <= pending[0].Seq {
		t.Fatalf("sequence regressed after reopen: %d <= %d", next.Seq, pending[0].Seq)
	}
}
