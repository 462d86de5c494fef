package crypto

import "github.com/jmcleod/medkey/errs"

var (
	ErrInvalidKeyLength   = errs.Validation("symmetric key must be 32 bytes")
	ErrMalformedPayload   = errs.Validation("malformed sealed payload")
	ErrIntegrity          = errs.Integrity("payload authentication failed")
	ErrInvalidPublicKey   = errs.Validation("invalid public key")
	ErrInvalidPrivateKey  = errs.Validation("invalid private key")
	ErrUnwrap             = errs.Integrity("unable to unwrap key")
	ErrDigestMismatch     = errs.Integrity("content digest mismatch")
	ErrMalformedSignature = errs.Validation("malformed signature")
	ErrKeyFile            = errs.Integrity("unable to open private key file")
	ErrKeyDestroyed       = errs.Validation("key pair has been destroyed")
)
