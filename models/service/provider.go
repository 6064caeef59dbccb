package service

import (
	"fmt"

	"github.com/digitalgoods/fulfillment-services/constants"
)

// StorageProvider identifies one of the remote storage backends that
// can hold an asset. The set is closed: Drive and MediaFire.
type StorageProvider string

const (
	DriveProvider     StorageProvider = constants.ProviderDrive
	MediaFireProvider StorageProvider = constants.ProviderMediaFire
)

// Valid returns true if p is one of the integrated providers.
func (p StorageProvider) Valid() bool {
	return p == DriveProvider || p == MediaFireProvider
}

func (p StorageProvider) String() string {
	return string(p)
}

// ParseStorageProvider converts a configuration value such as "Drive"
// or "MediaFire" into a StorageProvider.
func ParseStorageProvider(name string) (StorageProvider, error) {
	p := StorageProvider(name)
	if !p.Valid() {
		return "", fmt.Errorf("unknown storage provider %q", name)
	}
	return p, nil
}
