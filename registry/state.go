package registry

import (
	"fmt"
	"strings"
	"time"

	"github.com/jmcleod/medkey/identity"
	"github.com/jmcleod/medkey/internal/util"
	"github.com/jmcleod/medkey/ledger"
)

const (
	factRegistered    = "key.registered"
	factRotated       = "key.rotated"
	factRevoked       = "key.revoked"
	factReprovisioned = "key.reprovisioned"
)

// PublicKeyRecord is one version of an identity's public key.
type PublicKeyRecord struct {
	Identity      identity.Identity `json:"identity"`
	Version       uint64            `json:"version"`
	KeyBytes      []byte            `json:"key_bytes"`
	RegisteredAt  time.Time         `json:"registered_at"`
	Active        bool              `json:"active"`
	DeactivatedAt time.Time         `json:"deactivated_at,omitzero"`
}

type keyFact struct {
	Version uint64 `json:"version"`
	Key     []byte `json:"key,omitempty"`
	Admin   string `json:"admin,omitempty"`
}

// keyState is the projection of one keys/<identity> partition.
type keyState struct {
	id   identity.Identity
	keys []PublicKeyRecord
}

func (s *keyState) Clone() *keyState {
	cp := &keyState{id: s.id, keys: make([]PublicKeyRecord, len(s.keys))}
	for i, k := range s.keys {
		k.KeyBytes = util.CopyBytes(k.KeyBytes)
		cp.keys[i] = k
	}
	return cp
}

func (s *keyState) active() (PublicKeyRecord, bool) {
	if n := len(s.keys); n > 0 && s.keys[n-1].Active {
		return s.keys[n-1], true
	}
	return PublicKeyRecord{}, false
}

func (s *keyState) deactivateCurrent(at time.Time) error {
	n := len(s.keys)
	if n == 0 || !s.keys[n-1].Active {
		return fmt.Errorf("no active key to deactivate")
	}
	s.keys[n-1].Active = false
	s.keys[n-1].DeactivatedAt = at
	return nil
}

func (s *keyState) add(version uint64, key []byte, at time.Time) error {
	if version != uint64(len(s.keys)) {
		return fmt.Errorf("key version %d out of sequence, expected %d", version, len(s.keys))
	}
	s.keys = append(s.keys, PublicKeyRecord{
		Identity:     s.id,
		Version:      version,
		KeyBytes:     key,
		RegisteredAt: at,
		Active:       true,
	})
	return nil
}

func (s *keyState) Apply(f ledger.Fact) error {
	var kf keyFact
	if err := f.Decode(&kf); err != nil {
		return err
	}
	s.id = identity.Identity(strings.TrimPrefix(f.Partition, partitionPrefix))
	at, err := f.Time()
	if err != nil {
		return err
	}
	switch f.Type {
	case factRegistered:
		return s.add(kf.Version, kf.Key, at)
	case factRotated:
		if err := s.deactivateCurrent(at); err != nil {
			return err
		}
		return s.add(kf.Version, kf.Key, at)
	case factRevoked:
		return s.deactivateCurrent(at)
	case factReprovisioned:
		if _, ok := s.active(); ok {
			return fmt.Errorf("reprovisioned while a key is active")
		}
		return s.add(kf.Version, kf.Key, at)
	default:
		return fmt.Errorf("unknown key fact type %q", f.Type)
	}
}
