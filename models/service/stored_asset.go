package service

import (
	"encoding/json"
	"time"
)

// StoredAsset describes an asset file held by a remote storage
// provider. Provider records which backend accepted the upload, and
// all later link and delete calls go to that provider only.
type StoredAsset struct {
	ID           string          `json:"id"`
	ProductID    string          `json:"product_id"`
	Provider     StorageProvider `json:"provider"`
	ExternalID   string          `json:"external_id"`
	DisplayName  string          `json:"display_name"`
	ByteSize     int64           `json:"byte_size"`
	MimeType     string          `json:"mime_type"`
	DownloadLink string          `json:"download_link"`
	CreatedAt    time.Time       `json:"created_at"`
	DeletedAt    time.Time       `json:"deleted_at,omitempty"`
}

// IsActive returns true if the asset has not been tombstoned.
func (a *StoredAsset) IsActive() bool {
	return a.DeletedAt.IsZero()
}

// Tombstone marks the asset as deleted.
func (a *StoredAsset) Tombstone() {
	if a.DeletedAt.IsZero() {
		a.DeletedAt = time.Now().UTC()
	}
}

func StoredAssetFromJSON(data string) (*StoredAsset, error) {
	asset := &StoredAsset{}
	err := json.Unmarshal([]byte(data), asset)
	if err != nil {
		return nil, err
	}
	return asset, nil
}

func (a *StoredAsset) ToJSON() (string, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
