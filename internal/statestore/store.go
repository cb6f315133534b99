// Package statestore persists the engine's opaque state objects as files
// under the service home directory.
//
// The on-disk layout is fixed for upgrade compatibility:
//
//	authtoken.secret
//	identity.public
//	identity.secret
//	planet
//	networks.d/<16-hex-nwid>.conf
//	peers.d/<10-hex-peer>.peer
package statestore

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/overmesh/noded/internal/overlay"
)

// Sentinel errors for store operations.
var (
	// ErrUnknownKind indicates an unrecognized state object kind.
	ErrUnknownKind = errors.New("unknown state object kind")

	// ErrCachingDisabled indicates the object kind's caching flag is off.
	ErrCachingDisabled = errors.New("caching disabled for object kind")

	// ErrNotFound indicates the state object does not exist on disk.
	ErrNotFound = errors.New("state object not found")
)

// secureMode is the permission set for secret and network-config files.
const secureMode = 0o600

// authTokenLen is the length of the generated auth token.
const authTokenLen = 24

// authTokenAlphabet is the character set for generated auth tokens.
const authTokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Store reads and writes engine state objects under a home directory.
// Writes are coalesced: content identical to what is already on disk is
// not rewritten.
type Store struct {
	home string

	// AllowNetworkCaching gates network-config objects; AllowPeerCaching
	// gates peer objects. Puts for gated-off kinds are silently dropped,
	// Gets fail.
	AllowNetworkCaching bool
	AllowPeerCaching    bool

	logger *slog.Logger
}

// New creates a Store rooted at home with both caching flags enabled.
func New(home string, logger *slog.Logger) *Store {
	return &Store{
		home:                home,
		AllowNetworkCaching: true,
		AllowPeerCaching:    true,
		logger:              logger.With(slog.String("component", "statestore")),
	}
}

// Home returns the store's home directory.
func (s *Store) Home() string {
	return s.home
}

// objectPath maps an object kind and id to its file path. The second
// return is true when the file must be locked down to owner-only.
func (s *Store) objectPath(kind overlay.StateObjectType, id [2]uint64) (string, bool, error) {
	switch kind {
	case overlay.StateObjectIdentityPublic:
		return filepath.Join(s.home, "identity.public"), false, nil
	case overlay.StateObjectIdentitySecret:
		return filepath.Join(s.home, "identity.secret"), true, nil
	case overlay.StateObjectPlanet:
		return filepath.Join(s.home, "planet"), false, nil
	case overlay.StateObjectNetworkConfig:
		if !s.AllowNetworkCaching {
			return "", false, ErrCachingDisabled
		}
		return filepath.Join(s.home, "networks.d", fmt.Sprintf("%016x.conf", id[0])), true, nil
	case overlay.StateObjectPeer:
		if !s.AllowPeerCaching {
			return "", false, ErrCachingDisabled
		}
		return filepath.Join(s.home, "peers.d", fmt.Sprintf("%010x.peer", id[0])), false, nil
	default:
		return "", false, ErrUnknownKind
	}
}

// Put writes a state object, creating parent directories as needed.
// Content identical to the existing file is not rewritten. Puts for kinds
// whose caching flag is off are dropped without error.
func (s *Store) Put(kind overlay.StateObjectType, id [2]uint64, data []byte) error {
	p, secure, err := s.objectPath(kind, id)
	if err != nil {
		if errors.Is(err, ErrCachingDisabled) {
			return nil
		}
		return err
	}

	if prev, readErr := os.ReadFile(p); readErr == nil && bytes.Equal(prev, data) {
		return nil
	}

	mode := os.FileMode(0o644)
	if secure {
		mode = secureMode
	}

	if err := os.WriteFile(p, data, mode); err != nil {
		// Parent directory may not exist yet for networks.d / peers.d.
		if mkErr := os.MkdirAll(filepath.Dir(p), 0o755); mkErr != nil {
			return fmt.Errorf("create state directory for %s: %w", p, mkErr)
		}
		if err = os.WriteFile(p, data, mode); err != nil {
			return fmt.Errorf("write state object %s: %w", p, err)
		}
	}

	if secure {
		if err := os.Chmod(p, secureMode); err != nil {
			return fmt.Errorf("lock down state object %s: %w", p, err)
		}
	}

	return nil
}

// Delete removes a state object. Missing files are not an error.
func (s *Store) Delete(kind overlay.StateObjectType, id [2]uint64) error {
	p, _, err := s.objectPath(kind, id)
	if err != nil {
		if errors.Is(err, ErrCachingDisabled) {
			return nil
		}
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove state object %s: %w", p, err)
	}
	return nil
}

// Get reads a state object, returning at most maxLen bytes.
func (s *Store) Get(kind overlay.StateObjectType, id [2]uint64, maxLen int) ([]byte, error) {
	p, _, err := s.objectPath(kind, id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("state object %s: %w", p, ErrNotFound)
		}
		return nil, fmt.Errorf("read state object %s: %w", p, err)
	}
	if len(data) > maxLen {
		data = data[:maxLen]
	}
	return data, nil
}

// -------------------------------------------------------------------------
// Auth Token
// -------------------------------------------------------------------------

// EnsureAuthToken reads authtoken.secret, generating and persisting a new
// token on first run. The token is 24 characters over [a-z0-9], written
// owner-only with no trailing whitespace.
func (s *Store) EnsureAuthToken() (string, error) {
	p := filepath.Join(s.home, "authtoken.secret")

	if data, err := os.ReadFile(p); err == nil {
		return strings.TrimSpace(string(data)), nil
	}

	var raw [authTokenLen]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("generate auth token: %w", err)
	}

	tok := make([]byte, authTokenLen)
	for i, b := range raw {
		tok[i] = authTokenAlphabet[int(b)%len(authTokenAlphabet)]
	}

	if err := os.MkdirAll(s.home, 0o755); err != nil {
		return "", fmt.Errorf("create home directory %s: %w", s.home, err)
	}
	if err := os.WriteFile(p, tok, secureMode); err != nil {
		return "", fmt.Errorf("write auth token %s: %w", p, err)
	}

	return string(tok), nil
}

// -------------------------------------------------------------------------
// Cached Networks & Peer Cache Maintenance
// -------------------------------------------------------------------------

// CachedNetworks lists the network IDs with cached configs under
// networks.d. Files not named <16-hex>.conf are ignored.
func (s *Store) CachedNetworks() []uint64 {
	entries, err := os.ReadDir(filepath.Join(s.home, "networks.d"))
	if err != nil {
		return nil
	}

	var nwids []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || len(name) != 21 || !strings.HasSuffix(name, ".conf") {
			continue
		}
		var nwid uint64
		if _, err := fmt.Sscanf(name[:16], "%016x", &nwid); err != nil {
			continue
		}
		nwids = append(nwids, nwid)
	}
	return nwids
}

// CleanPeerCache removes peer cache files whose modification time is
// before cutoff. Returns the number of files removed.
func (s *Store) CleanPeerCache(cutoff time.Time) int {
	dir := filepath.Join(s.home, "peers.d")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".peer") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			s.logger.Warn("failed to remove stale peer cache file",
				slog.String("file", e.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
	}
	return removed
}
