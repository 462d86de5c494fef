package storage

import (
	"bytes"
	"testing"

	"github.com/jmcleod/medkey/internal/util"
)

func TestEnvelope(t *testing.T) {
	key, _ := util.NewAESKey()
	plain := []byte("top secret")
	aad := []byte("context")

	env, err := SealRecord(key, plain, aad, 3)
	if err != nil {
		t.Fatalf("SealRecord failed: %v", err)
	}

	if env.Ver != 1 {
		t.Errorf("expected version 1, got %d", env.Ver)
	}
	if env.Version != 3 {
		t.Errorf("expected record version 3, got %d", env.Version)
	}

	decrypted, err := OpenRecord(key, env, aad)
	if err != nil {
		t.Fatalf("OpenRecord failed: %v", err)
	}

	if !bytes.Equal(plain, decrypted) {
		t.Errorf("expected %s, got %s", plain, decrypted)
	}

	t.Run("WrongAAD", func(t *testing.T) {
		_, err := OpenRecord(key, env, []byte("wrong context"))
		if err == nil {
			t.Error("expected error with wrong AAD, got nil")
		}
	})

	t.Run("WrongKey", func(t *testing.T) {
		wrongKey, _ := util.NewAESKey()
		_, err := OpenRecord(wrongKey, env, aad)
		if err == nil {
			t.Error("expected error with wrong key, got nil")
		}
	})

	t.Run("MissingKey", func(t *testing.T) {
		_, err := OpenRecord(nil, env, aad)
		if err != ErrSealed {
			t.Errorf("expected ErrSealed, got %v", err)
		}
	})

	t.Run("UnsupportedVersion", func(t *testing.T) {
		badEnv := *env
		badEnv.Ver = 99
		_, err := OpenRecord(key, &badEnv, aad)
		if err == nil {
			t.Error("expected error with unsupported version, got nil")
		}
	})

	t.Run("UnsupportedScheme", func(t *testing.T) {
		badEnv := *env
		badEnv.Scheme = "unknown"
		_, err := OpenRecord(key, &badEnv, aad)
		if err == nil {
			t.Error("expected error with unsupported scheme, got nil")
		}
	})
}

func TestPlainEnvelope(t *testing.T) {
	env := PlainRecord([]byte(`{"a":1}`), 5)
	if env.Scheme != SchemePlainJSON || env.Version != 5 {
		t.Fatalf("unexpected envelope %+v", env)
	}
	got, err := OpenRecord(nil, env, nil)
	if err != nil {
		t.Fatalf("OpenRecord failed: %v", err)
	}
	if string(got) != `{"a":1}` {
		t.Errorf("unexpected plaintext %q", got)
	}

	clone := env.Clone()
	clone.Ciphertext[0] = 'X'
	if env.Ciphertext[0] == 'X' {
		t.Error("Clone should not alias")
	}
}
