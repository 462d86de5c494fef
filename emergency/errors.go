package emergency

import "github.com/jmcleod/medkey/errs"

var (
	ErrSelfPairing            = errs.Unauthorized("physician A and physician B must differ")
	ErrInvalidJustification   = errs.Validation("unknown justification code")
	ErrEmptyRecordSet         = errs.Validation("record set must not be empty")
	ErrInvalidWrappedKey      = errs.Validation("malformed wrapped key")
	ErrNotDesignatedPhysician = errs.Unauthorized("caller is not a designated physician of the request")
	ErrSelfConfirmation       = errs.Unauthorized("the requesting physician cannot confirm their own request")
	ErrNotFound               = errs.NotFound("emergency request not found")
	ErrAlreadyConfirmed       = errs.Conflict("emergency request already confirmed")
	ErrExpired                = errs.Conflict("emergency request expired")
	ErrNotConfirmed           = errs.Conflict("emergency request not confirmed")
)
