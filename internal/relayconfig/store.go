// Package relayconfig persists the relay list of each identity as a YAML
// file. Every load returns a content hash; a save is rejected with
// ErrConflict when the file on disk no longer matches the hash the caller
// loaded, so edits made outside the process are never overwritten.
package relayconfig

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/941design/slim-chat/internal/domain"
)

// ErrConflict is returned by Save when the file changed since it was loaded.
var ErrConflict = errors.New("relay config modified externally")

type document struct {
	Relays []entry `yaml:"relays"`
}

// entry mirrors domain.RelayEndpoint with optional flags so a file that
// omits read/write keeps the read+write default.
type entry struct {
	URL   string `yaml:"url"`
	Read  *bool  `yaml:"read,omitempty"`
	Write *bool  `yaml:"write,omitempty"`
}

// Snapshot is the parsed content of a relay file plus the hash of the
// bytes it was parsed from. Hash is empty when the file does not exist.
type Snapshot struct {
	Relays []domain.RelayEndpoint
	Hash   string
}

// Store reads and writes <Dir>/<identity id>.yaml.
type Store struct {
	Dir string

	mu sync.Mutex
}

// New returns a Store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &Store{Dir: dir}, nil
}

func (s *Store) path(identityID string) string {
	return filepath.Join(s.Dir, filepath.Base(identityID)+".yaml")
}

// ContentHash is the hex blake3 digest used for conflict detection.
func ContentHash(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Load parses the relay file of an identity. A missing file yields an
// empty snapshot.
func (s *Store) Load(identityID string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(identityID)
}

func (s *Store) load(identityID string) (Snapshot, error) {
	b, err := os.ReadFile(s.path(identityID))
	if errors.Is(err, fs.ErrNotExist) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	var doc document
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return Snapshot{}, fmt.Errorf("parse %s: %w", s.path(identityID), err)
	}
	out := make([]domain.RelayEndpoint, 0, len(doc.Relays))
	for _, e := range doc.Relays {
		url := strings.TrimRight(strings.TrimSpace(e.URL), "/")
		if url == "" {
			continue
		}
		ep := domain.RelayEndpoint{URL: url, Read: true, Write: true}
		if e.Read != nil {
			ep.Read = *e.Read
		}
		if e.Write != nil {
			ep.Write = *e.Write
		}
		out = append(out, ep)
	}
	return Snapshot{Relays: out, Hash: ContentHash(b)}, nil
}

// Save writes relays if the file still hashes to expectedHash (empty means
// "the file must not exist"). It returns the new hash.
func (s *Store) Save(identityID string, relays []domain.RelayEndpoint, expectedHash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := os.ReadFile(s.path(identityID))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if expectedHash != "" {
			return "", ErrConflict
		}
	case err != nil:
		return "", err
	default:
		if ContentHash(cur) != expectedHash {
			return "", ErrConflict
		}
	}

	doc := document{Relays: make([]entry, 0, len(relays))}
	for _, r := range relays {
		read, write := r.Read, r.Write
		doc.Relays = append(doc.Relays, entry{URL: r.URL, Read: &read, Write: &write})
	}
	b, err := yaml.Marshal(doc)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(s.Dir, ".relays-*.yaml")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), s.path(identityID)); err != nil {
		return "", err
	}
	return ContentHash(b), nil
}

// Delete removes the relay file of an identity, if any.
func (s *Store) Delete(identityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(identityID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Removed lists the URLs present in old but not in updated.
func Removed(old, updated []domain.RelayEndpoint) []string {
	keep := make(map[string]struct{}, len(updated))
	for _, r := range updated {
		keep[r.URL] = struct{}{}
	}
	var out []string
	for _, r := range old {
		if _, ok := keep[r.URL]; !ok {
			out = append(out, r.URL)
		}
	}
	return out
}
