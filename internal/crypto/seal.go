package icrypto

import (
	"fmt"

	"github.com/jmcleod/medkey/internal/util"
)

const (
	sealVersion = 1
	sealInfo    = "medkey:key-wrap:v1"
)

// SealedWrap holds the result of sealing a small secret to a recipient's
// secp256k1 public key.
type SealedWrap struct {
	Ver        int
	EphPub     [util.PublicKeySize]byte
	Nonce      []byte
	Ciphertext []byte
	Tag        []byte
}

// SealToRecipient encrypts plaintext to a recipient's uncompressed secp256k1
// public key using ephemeral ECDH + HKDF + AES-256-GCM. The ephemeral public
// key is the HKDF salt.
func SealToRecipient(recipientPub []byte, plaintext []byte, aad []byte) (*SealedWrap, error) {
	if _, err := util.ParseUncompressedPublicKey(recipientPub); err != nil {
		return nil, err
	}

	kp, err := util.GenerateSecp256k1Keypair()
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(kp.Private)

	shared, err := util.SharedSecret(kp.Private, recipientPub)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(shared)

	wrapKey, err := util.HKDF(shared, kp.Public[:], []byte(sealInfo))
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(wrapKey)

	sealed, err := util.EncryptAESWithAAD(plaintext, wrapKey, aad)
	if err != nil {
		return nil, err
	}
	nonce, ct, tag, err := util.SplitSealed(sealed)
	if err != nil {
		return nil, err
	}

	return &SealedWrap{
		Ver:        sealVersion,
		EphPub:     kp.Public,
		Nonce:      nonce,
		Ciphertext: ct,
		Tag:        tag,
	}, nil
}

// OpenFromRecipient decrypts a SealedWrap using the recipient's private key.
func OpenFromRecipient(recipientPriv []byte, wrap *SealedWrap, aad []byte) ([]byte, error) {
	if wrap == nil {
		return nil, fmt.Errorf("sealed wrap must not be nil")
	}
	if wrap.Ver != sealVersion {
		return nil, fmt.Errorf("unsupported sealed wrap version: %d", wrap.Ver)
	}

	shared, err := util.SharedSecret(recipientPriv, wrap.EphPub[:])
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(shared)

	wrapKey, err := util.HKDF(shared, wrap.EphPub[:], []byte(sealInfo))
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(wrapKey)

	// JoinSealed copies, so wrap's fields are never mutated.
	return util.DecryptAESWithAAD(util.JoinSealed(wrap.Nonce, wrap.Ciphertext, wrap.Tag), wrapKey, aad)
}
