package util

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	PrivateKeySize = 32
	PublicKeySize  = 65
)

type KeyPair struct {
	Private []byte
	Public  [PublicKeySize]byte
}

func GenerateSecp256k1Keypair() (KeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return KeyPair{}, fmt.Errorf("generating secp256k1 private key: %w", err)
	}
	var pub [PublicKeySize]byte
	copy(pub[:], priv.PubKey().SerializeUncompressed())
	return KeyPair{
		Private: priv.Serialize(),
		Public:  pub,
	}, nil
}

// ParsePrivateKey rejects scalars that are zero or not reduced modulo the group order.
func ParsePrivateKey(priv []byte) (*secp256k1.PrivateKey, error) {
	if len(priv) != PrivateKeySize {
		return nil, fmt.Errorf("invalid private key size: got %d, want %d", len(priv), PrivateKeySize)
	}
	var scalar secp256k1.ModNScalar
	if overflow := scalar.SetByteSlice(priv); overflow || scalar.IsZero() {
		return nil, fmt.Errorf("private key out of range")
	}
	return secp256k1.NewPrivateKey(&scalar), nil
}

func PublicKeyOf(priv []byte) ([PublicKeySize]byte, error) {
	sk, err := ParsePrivateKey(priv)
	if err != nil {
		return [PublicKeySize]byte{}, err
	}
	var pub [PublicKeySize]byte
	copy(pub[:], sk.PubKey().SerializeUncompressed())
	return pub, nil
}

// ParseUncompressedPublicKey accepts only the 65-byte 0x04 || X || Y form.
func ParseUncompressedPublicKey(pub []byte) (*secp256k1.PublicKey, error) {
	if len(pub) != PublicKeySize {
		return nil, fmt.Errorf("invalid public key size: got %d, want %d", len(pub), PublicKeySize)
	}
	if pub[0] != 0x04 {
		return nil, fmt.Errorf("invalid public key format tag 0x%02x", pub[0])
	}
	pk, err := secp256k1.ParsePubKey(pub)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	return pk, nil
}

// SharedSecret returns the X coordinate of priv * pub.
func SharedSecret(priv []byte, pub []byte) ([]byte, error) {
	sk, err := ParsePrivateKey(priv)
	if err != nil {
		return nil, err
	}
	pk, err := ParseUncompressedPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return secp256k1.GenerateSharedSecret(sk, pk), nil
}
