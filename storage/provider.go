package storage

import (
	"context"

	"github.com/digitalgoods/fulfillment-services/models/service"
)

// Provider is the driver for one remote storage backend. The Gateway
// supplies a current access token on every call. Implementations
// return an error wrapping credentials.ErrAuthRejected when the
// provider refuses the token, so the Gateway can refresh and retry.
type Provider interface {
	Name() service.StorageProvider

	// Upload stores content and returns the new asset. The Gateway
	// fills in the asset ID.
	Upload(ctx context.Context, token, fileName string, content []byte, mimeType string) (*service.StoredAsset, error)

	// DownloadLink returns a URL the buyer can use to fetch asset.
	DownloadLink(ctx context.Context, token string, asset *service.StoredAsset) (string, error)

	// Delete removes asset from the provider. The outcome is
	// constants.DeleteDeleted or constants.DeleteNotFound on success.
	Delete(ctx context.Context, token string, asset *service.StoredAsset) (string, error)
}
