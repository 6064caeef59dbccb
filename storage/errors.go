package storage

import (
	"errors"
	"fmt"

	"github.com/digitalgoods/fulfillment-services/models/service"
)

// ErrUploadFailed means no enabled provider accepted an upload.
var ErrUploadFailed = errors.New("upload failed on every provider")

// ErrLinkUnavailable means the provider holding an asset could not
// produce a download link for it.
var ErrLinkUnavailable = errors.New("download link unavailable")

// UploadFailedError reports the last provider tried and why it failed.
// errors.Is(err, ErrUploadFailed) is true for every UploadFailedError.
type UploadFailedError struct {
	Provider service.StorageProvider
	Cause    error
}

func (e *UploadFailedError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("%s: %v", ErrUploadFailed.Error(), e.Cause)
	}
	return fmt.Sprintf("%s (last tried %s): %v", ErrUploadFailed.Error(), e.Provider, e.Cause)
}

func (e *UploadFailedError) Unwrap() []error {
	return []error{ErrUploadFailed, e.Cause}
}
