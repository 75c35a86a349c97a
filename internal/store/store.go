// Package store persists the interface and peer roster in an embedded
// buntdb database. Records are JSON documents under the keys "interface"
// and "peer:<id>".
//
// The store is the durable source of truth. Kernel state is rebuilt from it
// on every start.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"github.com/tidwall/buntdb"
)

const (
	interfaceKey = "interface"
	peerPrefix   = "peer:"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write would break a uniqueness rule
	// (peer id, address or public key).
	ErrConflict = errors.New("conflict")
)

// Store is the buntdb-backed roster.
type Store struct {
	db *buntdb.DB
}

// Open opens (or creates) the database at path. Use ":memory:" for an
// in-memory store.
func Open(path string) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening roster %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetInterface returns the interface record, or ErrNotFound.
func (s *Store) GetInterface() (Interface, error) {
	var iface Interface
	err := s.db.View(func(tx *buntdb.Tx) error {
		return getJSON(tx, interfaceKey, &iface)
	})
	return iface, err
}

// UpsertInterface writes the interface record.
func (s *Store) UpsertInterface(iface Interface) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		return setJSON(tx, interfaceKey, iface)
	})
}

// ListPeers returns every peer ordered by creation time.
func (s *Store) ListPeers() ([]Peer, error) {
	return s.listPeers(func(Peer) bool { return true })
}

// ListEnabledPeers returns the peers whose enabled flag is set.
func (s *Store) ListEnabledPeers() ([]Peer, error) {
	return s.listPeers(func(p Peer) bool { return p.Enabled })
}

// GetPeer returns the peer with the given id, or ErrNotFound.
func (s *Store) GetPeer(id string) (Peer, error) {
	var p Peer
	err := s.db.View(func(tx *buntdb.Tx) error {
		return getJSON(tx, peerPrefix+id, &p)
	})
	return p, err
}

// ListUsedIPv4 returns the IPv4 addresses held by peers.
func (s *Store) ListUsedIPv4() ([]netip.Addr, error) {
	peers, err := s.ListPeers()
	if err != nil {
		return nil, err
	}
	used := make([]netip.Addr, 0, len(peers))
	for _, p := range peers {
		used = append(used, p.IPv4)
	}
	return used, nil
}

// ListUsedIPv6 returns the IPv6 addresses held by peers that have one.
func (s *Store) ListUsedIPv6() ([]netip.Addr, error) {
	peers, err := s.ListPeers()
	if err != nil {
		return nil, err
	}
	var used []netip.Addr
	for _, p := range peers {
		if p.IPv6.IsValid() {
			used = append(used, p.IPv6)
		}
	}
	return used, nil
}

// CreatePeer inserts a new peer. It fails with ErrConflict if the id, an
// address or the public key is already taken.
func (s *Store) CreatePeer(p Peer) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(peerPrefix + p.ID); err == nil {
			return fmt.Errorf("%w: peer id %s exists", ErrConflict, p.ID)
		} else if !errors.Is(err, buntdb.ErrNotFound) {
			return err
		}

		var conflict error
		err := tx.AscendKeys(peerPrefix+"*", func(key, value string) bool {
			var other Peer
			if err := json.Unmarshal([]byte(value), &other); err != nil {
				conflict = fmt.Errorf("decoding %s: %w", key, err)
				return false
			}
			switch {
			case other.IPv4 == p.IPv4:
				conflict = fmt.Errorf("%w: address %s held by peer %s", ErrConflict, p.IPv4, other.ID)
			case p.IPv6.IsValid() && other.IPv6 == p.IPv6:
				conflict = fmt.Errorf("%w: address %s held by peer %s", ErrConflict, p.IPv6, other.ID)
			case other.PublicKey == p.PublicKey:
				conflict = fmt.Errorf("%w: public key held by peer %s", ErrConflict, other.ID)
			}
			return conflict == nil
		})
		if err != nil {
			return err
		}
		if conflict != nil {
			return conflict
		}

		return setJSON(tx, peerPrefix+p.ID, p)
	})
}

// UpdatePeer applies upd to the peer and returns the updated record.
func (s *Store) UpdatePeer(id string, upd PeerUpdate) (Peer, error) {
	var p Peer
	err := s.db.Update(func(tx *buntdb.Tx) error {
		if err := getJSON(tx, peerPrefix+id, &p); err != nil {
			return err
		}
		if upd.Name != nil {
			p.Name = *upd.Name
		}
		if upd.Enabled != nil {
			p.Enabled = *upd.Enabled
		}
		if upd.ClearExpiry {
			p.ExpiresAt = nil
		} else if upd.ExpiresAt != nil {
			t := upd.ExpiresAt.UTC()
			p.ExpiresAt = &t
		}
		return setJSON(tx, peerPrefix+id, p)
	})
	return p, err
}

// SetPeerEnabled sets the enabled flag and returns the updated record.
func (s *Store) SetPeerEnabled(id string, enabled bool) (Peer, error) {
	return s.UpdatePeer(id, PeerUpdate{Enabled: &enabled})
}

// DeletePeer removes the peer, or returns ErrNotFound.
func (s *Store) DeletePeer(id string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Delete(peerPrefix + id); err != nil {
			if errors.Is(err, buntdb.ErrNotFound) {
				return fmt.Errorf("peer %s: %w", id, ErrNotFound)
			}
			return err
		}
		return nil
	})
}

func (s *Store) listPeers(keep func(Peer) bool) ([]Peer, error) {
	var peers []Peer
	err := s.db.View(func(tx *buntdb.Tx) error {
		var decodeErr error
		err := tx.AscendKeys(peerPrefix+"*", func(key, value string) bool {
			var p Peer
			if err := json.Unmarshal([]byte(value), &p); err != nil {
				decodeErr = fmt.Errorf("decoding %s: %w", key, err)
				return false
			}
			if keep(p) {
				peers = append(peers, p)
			}
			return true
		})
		if err != nil {
			return err
		}
		return decodeErr
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(peers, func(a, b Peer) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return peers, nil
}

func getJSON(tx *buntdb.Tx, key string, v any) error {
	val, err := tx.Get(key)
	if err != nil {
		if errors.Is(err, buntdb.ErrNotFound) {
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return fmt.Errorf("reading %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(val), v); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}
	return nil
}

func setJSON(tx *buntdb.Tx, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	if _, _, err := tx.Set(key, string(data), nil); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}
