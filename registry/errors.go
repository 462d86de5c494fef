package registry

import "github.com/jmcleod/medkey/errs"

var (
	ErrAlreadyRegistered = errs.Conflict("identity already has a registered key")
	ErrNotRegistered     = errs.Conflict("identity has no active key")
	ErrAlreadyRevoked    = errs.Conflict("identity key already revoked")
	ErrNotRevoked        = errs.Conflict("identity key is not revoked")
	ErrNoActiveKey       = errs.NotFound("no active key for identity")
	ErrVersionNotFound   = errs.NotFound("key version not found")
	ErrNotAdministrator  = errs.Unauthorized("caller is not an administrator")
)
