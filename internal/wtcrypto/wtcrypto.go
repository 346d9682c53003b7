// Package wtcrypto wraps the signing and encryption primitives used between
// the client and its towers. It is stateless.
package wtcrypto

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/danmuck/towerctl/internal/domain"
	"github.com/tv42/zbase32"
	"golang.org/x/crypto/chacha20poly1305"
)

var signedMsgPrefix = []byte("Lightning Signed Message:")

var (
	ErrEmptySecret    = errors.New("wtcrypto: empty secret")
	ErrInvalidSig     = errors.New("wtcrypto: invalid signature encoding")
	ErrDecryptFailed  = errors.New("wtcrypto: decrypt failed")
	ErrDecodeTxFailed = errors.New("wtcrypto: decode transaction failed")
	ErrNilTransaction = errors.New("wtcrypto: nil transaction")
	ErrNilPrivateKey  = errors.New("wtcrypto: nil private key")
)

func messageDigest(msg []byte) []byte {
	buf := make([]byte, 0, len(signedMsgPrefix)+len(msg))
	buf = append(buf, signedMsgPrefix...)
	buf = append(buf, msg...)
	return chainhash.DoubleHashB(buf)
}

// Sign produces a zbase32 compact recoverable signature over msg.
func Sign(msg []byte, sk *btcec.PrivateKey) (string, error) {
	if sk == nil {
		return "", ErrNilPrivateKey
	}
	sig := ecdsa.SignCompact(sk, messageDigest(msg), true)
	return zbase32.EncodeToString(sig), nil
}

// RecoverPubKey returns the key that produced sig over msg.
func RecoverPubKey(msg []byte, sig string) (*btcec.PublicKey, error) {
	raw, err := zbase32.DecodeString(sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSig, err)
	}
	pk, _, err := ecdsa.RecoverCompact(raw, messageDigest(msg))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSig, err)
	}
	return pk, nil
}

// Verify reports whether sig over msg was produced by pk. Malformed
// signatures verify as false.
func Verify(msg []byte, sig string, pk *btcec.PublicKey) bool {
	if pk == nil {
		return false
	}
	got, err := RecoverPubKey(msg, sig)
	if err != nil {
		return false
	}
	return got.IsEqual(pk)
}

// LocatorFromTxID takes the first LocatorSize bytes of the txid.
func LocatorFromTxID(txid chainhash.Hash) domain.Locator {
	var l domain.Locator
	copy(l[:], txid[:domain.LocatorSize])
	return l
}

func blobKey(secret chainhash.Hash) ([]byte, error) {
	if secret == (chainhash.Hash{}) {
		return nil, ErrEmptySecret
	}
	k := sha256.Sum256(secret[:])
	return k[:], nil
}

// Encrypt seals the serialized penalty tx with ChaCha20-Poly1305 under
// SHA256(secret) and an all-zero nonce. The key is single use: one secret
// per revoked commitment.
func Encrypt(tx *wire.MsgTx, secret chainhash.Hash) ([]byte, error) {
	if tx == nil {
		return nil, ErrNilTransaction
	}
	key, err := blobKey(secret)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	var plain bytes.Buffer
	if err := tx.Serialize(&plain); err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	return aead.Seal(nil, nonce, plain.Bytes(), nil), nil
}

// Decrypt reverses Encrypt.
func Decrypt(blob []byte, secret chainhash.Hash) (*wire.MsgTx, error) {
	key, err := blobKey(secret)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	plain, err := aead.Open(nil, nonce, blob, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(plain)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeTxFailed, err)
	}
	return tx, nil
}
