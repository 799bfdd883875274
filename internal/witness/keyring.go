package witness

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Keyring maps identities to signers. With a directory it persists seeds as
// <dir>/<id>.key (hex, mode 0600); without one it is memory-only.
type Keyring struct {
	dir  string
	mu   sync.RWMutex
	keys map[string]*Signer
	pubs map[string]ed25519.PublicKey
}

// NewKeyring returns a keyring rooted at dir. An empty dir keeps keys in
// memory only.
func NewKeyring(dir string) (*Keyring, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create key dir: %w", err)
		}
	}
	return &Keyring{
		dir:  dir,
		keys: make(map[string]*Signer),
		pubs: make(map[string]ed25519.PublicKey),
	}, nil
}

// LoadOrCreate returns the signer for id, reading it from disk or generating
// and storing a new one.
func (k *Keyring) LoadOrCreate(id string) (*Signer, error) {
	if !validID.MatchString(id) {
		return nil, fmt.Errorf("witness: invalid key id %q", id)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if s, ok := k.keys[id]; ok {
		return s, nil
	}

	var s *Signer
	if k.dir != "" {
		loaded, err := k.read(id)
		switch {
		case err == nil:
			s = loaded
		case !errors.Is(err, os.ErrNotExist):
			return nil, err
		}
	}
	if s == nil {
		generated, err := GenerateSigner(id)
		if err != nil {
			return nil, err
		}
		if k.dir != "" {
			if err := k.write(generated); err != nil {
				return nil, err
			}
		}
		s = generated
	}

	k.keys[id] = s
	k.pubs[id] = s.PublicKey()
	return s, nil
}

// Add registers a signer held elsewhere.
func (k *Keyring) Add(s *Signer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[s.ID()] = s
	k.pubs[s.ID()] = s.PublicKey()
}

// AddPublicKey registers a verification-only key.
func (k *Keyring) AddPublicKey(id string, pub ed25519.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.pubs[id] = pub
}

// Signer returns the signer for id if the keyring holds its private key.
func (k *Keyring) Signer(id string) (*Signer, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	s, ok := k.keys[id]
	return s, ok
}

// PublicKey implements KeyResolver.
func (k *Keyring) PublicKey(id string) (ed25519.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pub, ok := k.pubs[id]
	return pub, ok
}

// PublicKeys returns every known verification key as hex.
func (k *Keyring) PublicKeys() map[string]string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make(map[string]string, len(k.pubs))
	for id, pub := range k.pubs {
		out[id] = hex.EncodeToString(pub)
	}
	return out
}

func (k *Keyring) path(id string) string {
	return filepath.Join(k.dir, id+".key")
}

func (k *Keyring) read(id string) (*Signer, error) {
	raw, err := os.ReadFile(k.path(id))
	if err != nil {
		return nil, err
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("witness: key file for %s is corrupt", id)
	}
	return NewSigner(id, ed25519.NewKeyFromSeed(seed))
}

func (k *Keyring) write(s *Signer) error {
	seed := hex.EncodeToString(s.priv.Seed())
	if err := os.WriteFile(k.path(s.id), []byte(seed+"\n"), 0o600); err != nil {
		return fmt.Errorf("write key for %s: %w", s.id, err)
	}
	return nil
}
