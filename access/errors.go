package access

import "github.com/jmcleod/medkey/errs"

var (
	ErrNotOwner           = errs.Unauthorized("caller is not the owning patient")
	ErrEmptyRecordSet     = errs.Validation("record set must not be empty")
	ErrRecordNotFound     = errs.NotFound("record not found")
	ErrRecipientHasNoKey  = errs.Validation("recipient has no active registered key")
	ErrExpirationInPast   = errs.Validation("expiration must be in the future")
	ErrPermissionNotFound = errs.Conflict("permission not found")
	ErrAlreadyRevoked     = errs.Conflict("permission already revoked")
	ErrRecordIDTaken      = errs.Conflict("record id already assigned")
	ErrInvalidRecord      = errs.Validation("invalid record")
	ErrInvalidWrappedKey  = errs.Validation("malformed wrapped key")
	ErrInvalidSignature   = errs.Unauthorized("signature does not recover to the patient's active key")
	ErrNonceReplayed      = errs.Conflict("grant nonce already used")
)
