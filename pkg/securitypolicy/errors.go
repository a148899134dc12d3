package securitypolicy

import "github.com/pkg/errors"

// Errors returned while building, populating or validating a policy. They are
// always wrapped with the offending container or field; use errors.Is to
// inspect them. Every one of them means no policy may be emitted.
var (
	ErrInvalidInput            = errors.New("invalid policy input")
	ErrMissingField            = errors.New("missing required field")
	ErrUnknownVolume           = errors.New("volume not found in container group")
	ErrWildcardDeclined        = errors.New("wildcard environment variable rule was not approved")
	ErrUnsupportedArchitecture = errors.New("unsupported image architecture")
	ErrImageResolution         = errors.New("unable to resolve image")
	ErrNoSidecars              = errors.New("no sidecar images found in policy")
)
