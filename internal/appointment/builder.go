// Package appointment turns channel updates into signed, encrypted
// appointments for one destination tower. It performs no I/O.
package appointment

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/danmuck/towerctl/internal/domain"
	"github.com/danmuck/towerctl/internal/wtcrypto"
	"github.com/google/uuid"
)

// idNamespace scopes appointment ids; ids are v5 UUIDs over locator || tower id.
var idNamespace = uuid.MustParse("0b5c7a3e-6f2d-5e8a-9c41-7d3f2a1b9e60")

// Builder signs appointments with the agent's key.
type Builder struct {
	key *btcec.PrivateKey
	now func() time.Time
}

func NewBuilder(key *btcec.PrivateKey) *Builder {
	return &Builder{key: key, now: time.Now}
}

// WithClock overrides the creation timestamp source.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// AppointmentID derives the content id for a locator/tower pair.
func AppointmentID(locator domain.Locator, tower domain.TowerID) string {
	data := make([]byte, 0, domain.LocatorSize+len(tower))
	data = append(data, locator[:]...)
	data = append(data, tower...)
	return uuid.NewSHA1(idNamespace, data).String()
}

// Build produces the appointment for update addressed to tower.
func (b *Builder) Build(update domain.ChannelUpdate, tower domain.Tower) (domain.Appointment, error) {
	if strings.TrimSpace(update.ChannelID) == "" {
		return domain.Appointment{}, fmt.Errorf("%w: missing channel id", domain.ErrEncoding)
	}
	if update.PenaltyTx == nil {
		return domain.Appointment{}, fmt.Errorf("%w: missing penalty transaction", domain.ErrEncoding)
	}
	if update.RevokedCommitTxID == (chainhash.Hash{}) {
		return domain.Appointment{}, fmt.Errorf("%w: missing revoked commitment txid", domain.ErrKeyDerivation)
	}
	if tower.PubKey == nil || strings.TrimSpace(string(tower.ID)) == "" {
		return domain.Appointment{}, fmt.Errorf("%w: tower %q has no public key", domain.ErrKeyDerivation, tower.ID)
	}

	locator := wtcrypto.LocatorFromTxID(update.RevokedCommitTxID)
	blob, err := wtcrypto.Encrypt(update.PenaltyTx, update.RevokedCommitTxID)
	if err != nil {
		if errors.Is(err, wtcrypto.ErrEmptySecret) {
			return domain.Appointment{}, fmt.Errorf("%w: %v", domain.ErrKeyDerivation, err)
		}
		return domain.Appointment{}, fmt.Errorf("%w: encrypt penalty tx: %v", domain.ErrEncoding, err)
	}

	appt := domain.Appointment{
		ID:            AppointmentID(locator, tower.ID),
		TowerID:       tower.ID,
		ChannelID:     strings.TrimSpace(update.ChannelID),
		Locator:       locator,
		EncryptedBlob: blob,
		ToSelfDelay:   update.ToSelfDelay,
		CreatedAt:     b.now().UTC(),
	}
	sig, err := wtcrypto.Sign(appt.SignedPayload(), b.key)
	if err != nil {
		return domain.Appointment{}, fmt.Errorf("%w: sign appointment: %v", domain.ErrKeyDerivation, err)
	}
	appt.UserSignature = sig
	return appt, nil
}
