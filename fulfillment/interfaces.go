package fulfillment

import (
	"context"

	"github.com/digitalgoods/fulfillment-services/models/service"
)

// AssetStorage is the part of storage.Gateway the orchestrator uses.
type AssetStorage interface {
	Upload(ctx context.Context, fileName string, content []byte, mimeType string) (*service.StoredAsset, error)
	DownloadLink(ctx context.Context, asset *service.StoredAsset) (string, error)
	Delete(ctx context.Context, asset *service.StoredAsset) service.DeleteResult
}

// AssetCatalog maps products to their active asset.
// network.RedisClient implements it.
type AssetCatalog interface {
	ActiveAssetGet(productID string) (*service.StoredAsset, error)
	ActiveAssetBind(asset *service.StoredAsset) (*service.StoredAsset, bool, error)
}

// RecordStore holds fulfillment records, written once per order line.
// network.RedisClient implements it.
type RecordStore interface {
	FulfillmentRecordGet(orderLineID string) (*service.FulfillmentRecord, error)
	FulfillmentRecordSaveIfAbsent(record *service.FulfillmentRecord) (*service.FulfillmentRecord, bool, error)
}

// StagingStore holds admin-supplied files awaiting their first sale.
// network.StagingClient implements it.
type StagingStore interface {
	Get(ctx context.Context, productID string) (*service.StagedFile, error)
	Delete(ctx context.Context, productID string) error
}
