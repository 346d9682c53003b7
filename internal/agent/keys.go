package agent

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/rs/zerolog/log"
)

var ErrInvalidUserKey = errors.New("agent: invalid user key file")

// LoadOrCreateUserKey reads the hex encoded signing key at path, creating
// and persisting a fresh key when the file does not exist. An empty path
// yields an ephemeral key.
func LoadOrCreateUserKey(path string) (*btcec.PrivateKey, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		log.Warn().Msg("agent.LoadOrCreateUserKey no key_file configured, using an ephemeral key")
		return btcec.NewPrivateKey()
	}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		b, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil || len(b) != 32 {
			return nil, fmt.Errorf("%w: %s", ErrInvalidUserKey, path)
		}
		key, _ := btcec.PrivKeyFromBytes(b)
		return key, nil
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("agent: read user key: %w", err)
	}

	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("agent: create key dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key.Serialize())+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("agent: write user key: %w", err)
	}
	log.Info().Str("path", path).Msg("agent.LoadOrCreateUserKey created new key")
	return key, nil
}
