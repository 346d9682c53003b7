package appointment

import (
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/danmuck/towerctl/internal/domain"
	"github.com/danmuck/towerctl/internal/testutil/testlog"
	"github.com/danmuck/towerctl/internal/wtcrypto"
)

func testTower(t *testing.T) domain.Tower {
	t.Helper()
	sk, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	return domain.Tower{
		ID:     domain.TowerIDFromPubKey(sk.PubKey()),
		PubKey: sk.PubKey(),
		Status: domain.Reachable(),
	}
}

func testUpdate() domain.ChannelUpdate {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{9}, Index: 0}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(90_000, []byte{0x00, 0x14}))
	return domain.ChannelUpdate{
		ChannelID:         "chan.1",
		RevokedCommitTxID: chainhash.Hash{0xde, 0xad, 0xbe, 0xef, 1},
		PenaltyTx:         tx,
		ToSelfDelay:       144,
		CommitmentHeight:  7,
	}
}

func TestBuildProducesDecryptableSignedAppointment(t *testing.T) {
	testlog.Start(t)
	sk, _ := btcec.NewPrivateKey()
	fixed := time.Unix(1700000000, 0)
	b := NewBuilder(sk).WithClock(func() time.Time { return fixed })
	tower := testTower(t)
	update := testUpdate()

	appt, err := b.Build(update, tower)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if appt.TowerID != tower.ID || appt.ChannelID != "chan.1" || appt.ToSelfDelay != 144 {
		t.Fatalf("unexpected appointment: %+v", appt)
	}
	if !appt.CreatedAt.Equal(fixed) {
		t.Fatalf("unexpected created_at: %v", appt.CreatedAt)
	}
	if appt.Locator != wtcrypto.LocatorFromTxID(update.RevokedCommitTxID) {
		t.Fatalf("locator mismatch")
	}
	tx, err := wtcrypto.Decrypt(appt.EncryptedBlob, update.RevokedCommitTxID)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if tx.TxHash() != update.PenaltyTx.TxHash() {
		t.Fatalf("penalty tx mismatch")
	}
	if !wtcrypto.Verify(appt.SignedPayload(), appt.UserSignature, sk.PubKey()) {
		t.Fatalf("user signature does not verify")
	}
}

func TestBuildIDIsDeterministicPerTower(t *testing.T) {
	testlog.Start(t)
	sk, _ := btcec.NewPrivateKey()
	b := NewBuilder(sk)
	towerA := testTower(t)
	towerB := testTower(t)
	update := testUpdate()

	a1, err := b.Build(update, towerA)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	a2, _ := b.Build(update, towerA)
	bApp, _ := b.Build(update, towerB)
	if a1.ID != a2.ID {
		t.Fatalf("same update/tower produced different ids: %s %s", a1.ID, a2.ID)
	}
	if a1.ID == bApp.ID {
		t.Fatalf("different towers produced the same id")
	}

	next := testUpdate()
	next.RevokedCommitTxID = chainhash.Hash{0x01, 0x02}
	a3, _ := b.Build(next, towerA)
	if a3.ID == a1.ID {
		t.Fatalf("different updates produced the same id")
	}
}

func TestBuildEncodingErrors(t *testing.T) {
	testlog.Start(t)
	sk, _ := btcec.NewPrivateKey()
	b := NewBuilder(sk)
	tower := testTower(t)

	missingTx := testUpdate()
	missingTx.PenaltyTx = nil
	if _, err := b.Build(missingTx, tower); !errors.Is(err, domain.ErrEncoding) {
		t.Fatalf("expected ErrEncoding, got %v", err)
	}

	missingChan := testUpdate()
	missingChan.ChannelID = " "
	if _, err := b.Build(missingChan, tower); !errors.Is(err, domain.ErrEncoding) {
		t.Fatalf("expected ErrEncoding, got %v", err)
	}
}

func TestBuildKeyDerivationErrors(t *testing.T) {
	testlog.Start(t)
	sk, _ := btcec.NewPrivateKey()
	b := NewBuilder(sk)

	zero := testUpdate()
	zero.RevokedCommitTxID = chainhash.Hash{}
	if _, err := b.Build(zero, testTower(t)); !errors.Is(err, domain.ErrKeyDerivation) {
		t.Fatalf("expected ErrKeyDerivation, got %v", err)
	}

	if _, err := b.Build(testUpdate(), domain.Tower{ID: "tower"}); !errors.Is(err, domain.ErrKeyDerivation) {
		t.Fatalf("expected ErrKeyDerivation for keyless tower, got %v", err)
	}

	unsigned := NewBuilder(nil)
	if _, err := unsigned.Build(testUpdate(), testTower(t)); !errors.Is(err, domain.ErrKeyDerivation) {
		t.Fatalf("expected ErrKeyDerivation for missing signing key, got %v", err)
	}
}
