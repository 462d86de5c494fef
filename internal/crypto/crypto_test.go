package icrypto

import (
	"bytes"
	"testing"

	"github.com/jmcleod/medkey/internal/util"
)

func TestAAD(t *testing.T) {
	aad1 := AADRecordPayload("alice", 1)
	aad2 := AADRecordPayload("alice", 1)

	if !bytes.Equal(aad1, aad2) {
		t.Error("AADRecordPayload should be deterministic")
	}

	if bytes.Equal(aad1, AADRecordPayload("alice", 2)) {
		t.Error("AADRecordPayload should differ for different record ids")
	}
	if bytes.Equal(aad1, AADRecordPayload("bob", 1)) {
		t.Error("AADRecordPayload should differ for different patients")
	}

	// Length prefixes keep ("ab","c") and ("a","bc") apart.
	if bytes.Equal(JoinAAD([]byte("ab"), []byte("c")), JoinAAD([]byte("a"), []byte("bc"))) {
		t.Error("JoinAAD must be unambiguous")
	}
	if JoinAAD() != nil {
		t.Error("JoinAAD with no parts should be nil")
	}
	if !bytes.Equal(JoinAAD([]byte("x")), []byte("x")) {
		t.Error("JoinAAD with one part should pass it through")
	}

	if bytes.Equal(AADLedgerFact("keys/alice", 0), AADLedgerFact("keys/alice", 1)) {
		t.Error("AADLedgerFact should differ for different sequence numbers")
	}
}

func TestSealToRecipient(t *testing.T) {
	kp, _ := util.GenerateSecp256k1Keypair()
	key := []byte("this-is-a-32-byte-key-0123456789")
	aad := AADKeyWrap(kp.Public[:], 1)

	wrap, err := SealToRecipient(kp.Public[:], key, aad)
	if err != nil {
		t.Fatalf("SealToRecipient failed: %v", err)
	}

	if wrap.Ver != 1 {
		t.Errorf("expected version 1, got %d", wrap.Ver)
	}
	if len(wrap.Tag) != util.GCMTagSize {
		t.Errorf("expected %d-byte tag, got %d", util.GCMTagSize, len(wrap.Tag))
	}

	opened, err := OpenFromRecipient(kp.Private, wrap, aad)
	if err != nil {
		t.Fatalf("OpenFromRecipient failed: %v", err)
	}

	if !bytes.Equal(key, opened) {
		t.Errorf("expected %x, got %x", key, opened)
	}

	t.Run("WrongRecipient", func(t *testing.T) {
		other, _ := util.GenerateSecp256k1Keypair()
		if _, err := OpenFromRecipient(other.Private, wrap, aad); err == nil {
			t.Error("expected error opening with the wrong private key")
		}
	})

	t.Run("WrongAAD", func(t *testing.T) {
		if _, err := OpenFromRecipient(kp.Private, wrap, []byte("other")); err == nil {
			t.Error("expected error opening with the wrong AAD")
		}
	})

	t.Run("TamperedTag", func(t *testing.T) {
		bad := *wrap
		bad.Tag = util.CopyBytes(wrap.Tag)
		bad.Tag[0] ^= 0x01
		if _, err := OpenFromRecipient(kp.Private, &bad, aad); err == nil {
			t.Error("expected error with tampered tag")
		}
	})

	t.Run("UnsupportedVersion", func(t *testing.T) {
		bad := *wrap
		bad.Ver = 2
		if _, err := OpenFromRecipient(kp.Private, &bad, aad); err == nil {
			t.Error("expected error for unsupported version")
		}
	})

	t.Run("InvalidRecipient", func(t *testing.T) {
		if _, err := SealToRecipient(make([]byte, 65), key, aad); err == nil {
			t.Error("expected error sealing to an invalid point")
		}
	})
}

func TestDeriveFactKey(t *testing.T) {
	master := bytes.Repeat([]byte{7}, 32)
	k1, err := DeriveFactKey(master, "keys/alice")
	if err != nil {
		t.Fatalf("DeriveFactKey failed: %v", err)
	}
	k2, _ := DeriveFactKey(master, "keys/bob")
	if bytes.Equal(k1, k2) {
		t.Error("fact keys should differ per partition")
	}
}
