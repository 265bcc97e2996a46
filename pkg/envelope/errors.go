package envelope

import "errors"

// Errors returned by the envelope codec.
var (
	ErrMalformed       = errors.New("envelope: malformed envelope")
	ErrPayloadTooShort  = errors.New("envelope: payload too short for kind")
	ErrUnknownRequired  = errors.New("envelope: required field missing for known kind")
)
