package testutil

import (
	"fmt"
	"time"

	"github.com/digitalgoods/fulfillment-services/models/service"
	"github.com/google/uuid"
)

var Bloomsday, _ = time.Parse(time.RFC3339, "1904-06-16T15:04:05Z")

const (
	ProductID  = "prod-ulysses"
	FileName   = "ulysses.epub"
	MimeType   = "application/epub+zip"
	AssetBytes = "Stately, plump Buck Mulligan came from the stairhead"
)

func GetFulfillmentRequest(quantity int64) *service.FulfillmentRequest {
	return &service.FulfillmentRequest{
		OrderLineID: "line-" + uuid.NewString(),
		ProductID:   ProductID,
		Quantity:    quantity,
	}
}

func GetStagedFile() *service.StagedFile {
	return &service.StagedFile{
		ProductID: ProductID,
		FileName:  FileName,
		MimeType:  MimeType,
		Size:      int64(len(AssetBytes)),
		Content:   []byte(AssetBytes),
	}
}

func GetStoredAsset(provider service.StorageProvider) *service.StoredAsset {
	id := uuid.NewString()
	return &service.StoredAsset{
		ID:           id,
		ProductID:    ProductID,
		Provider:     provider,
		ExternalID:   "ext-" + id[:8],
		DisplayName:  FileName,
		ByteSize:     int64(len(AssetBytes)),
		MimeType:     MimeType,
		DownloadLink: fmt.Sprintf("https://%s.example.com/download/%s", provider, id[:8]),
		CreatedAt:    Bloomsday,
	}
}

func GetFulfillmentRecord(req *service.FulfillmentRequest, asset *service.StoredAsset) *service.FulfillmentRecord {
	return &service.FulfillmentRecord{
		OrderLineID:  req.OrderLineID,
		ProductID:    req.ProductID,
		Quantity:     req.Quantity,
		Provider:     asset.Provider,
		AssetID:      asset.ID,
		DownloadLink: asset.DownloadLink,
		DeliveredAt:  Bloomsday,
	}
}
