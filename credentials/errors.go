package credentials

import "errors"

// ErrAuthUnavailable means no credential can be obtained for a provider
// because its secrets were missing from the configuration, so no
// authenticator was registered.
var ErrAuthUnavailable = errors.New("provider credentials unavailable")

// ErrAuthRejected means the provider refused the configured secrets or
// a token presented to it.
var ErrAuthRejected = errors.New("provider rejected credentials")
