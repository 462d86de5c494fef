package crypto

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/jmcleod/medkey/internal/util"
	"golang.org/x/crypto/sha3"
)

// SignatureSize is the length of a compact recoverable signature.
const SignatureSize = 65

var (
	domainTypeHash = keccak256([]byte("MedkeyDomain(string name,string version,uint256 chainId,string verifyingContext)"))
	grantTypeHash  = keccak256([]byte("AccessGrant(string patient,string grantedTo,uint256[] recordIds,bytes wrappedKey,uint256 expirationTime,uint256 nonce)"))
)

// Domain separates signatures made for one deployment from every other.
type Domain struct {
	Name             string `json:"name" yaml:"name"`
	Version          string `json:"version" yaml:"version"`
	ChainID          uint64 `json:"chain_id" yaml:"chain_id"`
	VerifyingContext string `json:"verifying_context" yaml:"verifying_context"`
}

// Separator returns keccak256(typeHash || name || version || chainId || verifyingContext).
func (d Domain) Separator() [32]byte {
	return keccak256(
		domainTypeHash[:],
		hashString(d.Name),
		hashString(d.Version),
		uint256(d.ChainID),
		hashString(d.VerifyingContext),
	)
}

// GrantMessage is the structured message a patient signs to authorise a
// grant submitted on their behalf.
type GrantMessage struct {
	Patient        string    `json:"patient"`
	GrantedTo      string    `json:"granted_to"`
	RecordIDs      []uint64  `json:"record_ids"`
	WrappedKey     []byte    `json:"wrapped_key"`
	ExpirationTime time.Time `json:"expiration_time"`
	Nonce          uint64    `json:"nonce"`
}

// StructHash returns the typed hash of m.
func (m GrantMessage) StructHash() [32]byte {
	ids := make([]byte, 0, 32*len(m.RecordIDs))
	for _, id := range m.RecordIDs {
		ids = append(ids, uint256(id)...)
	}
	idsHash := keccak256(ids)
	wkHash := keccak256(m.WrappedKey)
	return keccak256(
		grantTypeHash[:],
		hashString(m.Patient),
		hashString(m.GrantedTo),
		idsHash[:],
		wkHash[:],
		uint256(uint64(m.ExpirationTime.Unix())),
		uint256(m.Nonce),
	)
}

// TypedDataHash returns keccak256(0x19 || 0x01 || domainSeparator || structHash).
func TypedDataHash(d Domain, m GrantMessage) [32]byte {
	sep := d.Separator()
	sh := m.StructHash()
	return keccak256([]byte{0x19, 0x01}, sep[:], sh[:])
}

// SignGrant signs the typed-data hash of m with kp.
func (k *KeyPair) SignGrant(d Domain, m GrantMessage) ([]byte, error) {
	digest := TypedDataHash(d, m)
	var sig []byte
	err := k.withPrivate(func(priv []byte) error {
		sk, err := util.ParsePrivateKey(priv)
		if err != nil {
			return err
		}
		sig = ecdsa.SignCompact(sk, digest[:], false)
		sk.Zero()
		return nil
	})
	return sig, err
}

// RecoverGrantSigner returns the uncompressed public key that produced sig
// over the typed-data hash of m.
func RecoverGrantSigner(d Domain, m GrantMessage, sig []byte) ([]byte, error) {
	if len(sig) != SignatureSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedSignature, len(sig), SignatureSize)
	}
	digest := TypedDataHash(d, m)
	pub, _, err := ecdsa.RecoverCompact(sig, digest[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	return pub.SerializeUncompressed(), nil
}

func keccak256(parts ...[]byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	h.Sum(out[:0])
	return out
}

func hashString(s string) []byte {
	h := keccak256([]byte(s))
	return h[:]
}

func uint256(v uint64) []byte {
	b := make([]byte, 32)
	binary.BigEndian.PutUint64(b[24:], v)
	return b
}
