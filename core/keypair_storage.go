package core

// core/keypair_storage.go
//
// Persists the node's libp2p identity key under the data directory so the
// peer keeps its NodeID across restarts. Load-or-generate semantics.

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
	logrus "github.com/sirupsen/logrus"
)

const keyFileName = "key"

// KeypairStorage loads or creates the node identity key.
type KeypairStorage struct {
	dir    string
	logger *logrus.Logger
}

// NewKeypairStorage roots the storage at dir, creating it when missing.
func NewKeypairStorage(dir string, lg *logrus.Logger) (*KeypairStorage, error) {
	if lg == nil {
		lg = logrus.New()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("keypair storage: %w", err)
	}
	return &KeypairStorage{dir: dir, logger: lg}, nil
}

// GetKeypair returns the stored identity key, generating and persisting a
// fresh ed25519 key on first use.
func (k *KeypairStorage) GetKeypair() (crypto.PrivKey, error) {
	path := filepath.Join(k.dir, keyFileName)

	data, err := os.ReadFile(path)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("keypair storage: unmarshal %s: %w", path, err)
		}
		return priv, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("keypair storage: read %s: %w", path, err)
	}

	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	if err != nil {
		return nil, fmt.Errorf("keypair storage: generate: %w", err)
	}
	marshaled, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("keypair storage: marshal: %w", err)
	}
	if err := os.WriteFile(path, marshaled, 0o600); err != nil {
		return nil, fmt.Errorf("keypair storage: write %s: %w", path, err)
	}
	k.logger.Infof("keypair storage: generated new identity at %s", path)
	return priv, nil
}
