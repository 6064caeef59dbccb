// Package admin holds the operations store staff run by hand: staging
// and replacing product files, revoking them, restocking and refunds.
package admin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/digitalgoods/fulfillment-services/constants"
	"github.com/digitalgoods/fulfillment-services/ledger"
	"github.com/digitalgoods/fulfillment-services/models/service"
	"github.com/op/go-logging"
)

// ErrNoRecord means the order line has no fulfillment record.
var ErrNoRecord = errors.New("no fulfillment record for order line")

// Storage is the part of storage.Gateway the manager uses.
type Storage interface {
	Upload(ctx context.Context, fileName string, content []byte, mimeType string) (*service.StoredAsset, error)
	Delete(ctx context.Context, asset *service.StoredAsset) service.DeleteResult
}

// Catalog changes which asset a product delivers.
type Catalog interface {
	ActiveAssetGet(productID string) (*service.StoredAsset, error)
	ActiveAssetReplace(asset *service.StoredAsset) (*service.StoredAsset, error)
	ActiveAssetTombstone(productID string) (*service.StoredAsset, error)
	AssetHistory(productID string) ([]*service.StoredAsset, error)
}

// Records reads fulfillment records and keeps refund records.
type Records interface {
	FulfillmentRecordGet(orderLineID string) (*service.FulfillmentRecord, error)
	RefundRecordGet(orderLineID string) (*service.RefundRecord, error)
	RefundRecordSaveIfAbsent(record *service.RefundRecord) (*service.RefundRecord, bool, error)
	RefundRecordUpdate(record *service.RefundRecord) error
}

// Stager holds files that are uploaded on a product's first sale.
type Stager interface {
	EnsureBucket(ctx context.Context) error
	Put(ctx context.Context, file *service.StagedFile) error
	Delete(ctx context.Context, productID string) error
}

// Manager runs admin operations. None of them run inside the
// fulfillment path, so each may take its time and reports detailed
// errors back to the operator.
type Manager struct {
	Storage Storage
	Catalog Catalog
	Records Records
	Staging Stager
	Ledger  ledger.Ledger
	logger  *logging.Logger
}

func NewManager(storage Storage, catalog Catalog, records Records, staging Stager, stock ledger.Ledger, logger *logging.Logger) *Manager {
	return &Manager{
		Storage: storage,
		Catalog: catalog,
		Records: records,
		Staging: staging,
		Ledger:  stock,
		logger:  logger,
	}
}

func checkFile(productID, fileName string, content []byte) error {
	if strings.TrimSpace(productID) == "" {
		return fmt.Errorf("product id is required")
	}
	if strings.TrimSpace(fileName) == "" {
		return fmt.Errorf("file name is required for product %s", productID)
	}
	if len(content) == 0 {
		return fmt.Errorf("file %s for product %s is empty", fileName, productID)
	}
	return nil
}

// StageAsset stores a file to be uploaded on the product's next first
// sale. It does not touch a product that already has an active asset;
// the staged file is used only if that asset is revoked.
func (m *Manager) StageAsset(ctx context.Context, productID, fileName string, content []byte, mimeType string) error {
	if err := checkFile(productID, fileName, content); err != nil {
		return err
	}
	file := &service.StagedFile{
		ProductID: productID,
		FileName:  fileName,
		MimeType:  mimeType,
		Size:      int64(len(content)),
		Content:   content,
	}
	// A fresh deployment has no staging bucket until the first file
	// is staged.
	if err := m.Staging.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("stage %s for %s: %w", fileName, productID, err)
	}
	if err := m.Staging.Put(ctx, file); err != nil {
		return fmt.Errorf("stage %s for %s: %w", fileName, productID, err)
	}
	m.logger.Infof("Staged %s (%d bytes) for product %s", fileName, len(content), productID)
	return nil
}

// AttachAsset uploads a file now and makes it the product's active
// asset. The asset it replaces is tombstoned and its remote copy
// deleted. Existing fulfillment records keep their links.
func (m *Manager) AttachAsset(ctx context.Context, productID, fileName string, content []byte, mimeType string) (*service.StoredAsset, error) {
	if err := checkFile(productID, fileName, content); err != nil {
		return nil, err
	}
	asset, err := m.Storage.Upload(ctx, fileName, content, mimeType)
	if err != nil {
		return nil, fmt.Errorf("attach %s to %s: %w", fileName, productID, err)
	}
	asset.ProductID = productID
	replaced, err := m.Catalog.ActiveAssetReplace(asset)
	if err != nil {
		result := m.Storage.Delete(context.WithoutCancel(ctx), asset)
		m.logger.Warningf("Could not bind new asset %s to %s; removed upload: %s", asset.ID, productID, result.String())
		return nil, fmt.Errorf("attach %s to %s: %w", fileName, productID, err)
	}
	m.logger.Infof("Product %s now delivers asset %s on %s", productID, asset.ID, asset.Provider)
	if replaced != nil {
		result := m.Storage.Delete(ctx, replaced)
		m.logger.Infof("Replaced asset %s of product %s: %s", replaced.ID, productID, result.String())
	}
	// A staged file left over from before would otherwise come back
	// if this asset is revoked.
	if err := m.Staging.Delete(ctx, productID); err != nil {
		m.logger.Warningf("Could not remove staged file for %s: %s", productID, err.Error())
	}
	return asset, nil
}

// RevokeAsset unbinds the product's active asset and deletes its remote
// copy. It never returns an error; problems are in the result. With no
// active asset the outcome is not-found.
func (m *Manager) RevokeAsset(ctx context.Context, productID string) service.DeleteResult {
	tombstoned, err := m.Catalog.ActiveAssetTombstone(productID)
	if err != nil {
		m.logger.Errorf("Could not revoke asset of product %s: %s", productID, err.Error())
		return service.DeleteResult{Outcome: constants.DeleteFailed, Err: err}
	}
	if tombstoned == nil {
		m.logger.Infof("Product %s has no active asset to revoke", productID)
		return service.DeleteResult{Outcome: constants.DeleteNotFound}
	}
	result := m.Storage.Delete(ctx, tombstoned)
	m.logger.Infof("Revoked asset %s of product %s: %s", tombstoned.ID, productID, result.String())
	return result
}

// Restock adds qty units to the product's stock.
func (m *Manager) Restock(ctx context.Context, productID string, qty int64) (int64, error) {
	if err := m.Ledger.Increment(ctx, productID, qty); err != nil {
		return 0, fmt.Errorf("restock %s: %w", productID, err)
	}
	stock, err := m.Ledger.Stock(ctx, productID)
	if err != nil {
		return 0, err
	}
	m.logger.Infof("Restocked %d unit(s) of %s; %d in stock", qty, productID, stock)
	return stock, nil
}

// Refund returns a delivered order line's units to stock. Stock is
// restored at most once per order line no matter how often Refund is
// called. With revokeAsset set, the product's active asset is revoked
// too, which cuts off every buyer's link to it, not just this one's.
func (m *Manager) Refund(ctx context.Context, orderLineID string, revokeAsset bool) (*service.RefundRecord, error) {
	record, err := m.Record(ctx, orderLineID)
	if err != nil {
		return nil, err
	}
	refund := &service.RefundRecord{
		OrderLineID: orderLineID,
		ProductID:   record.ProductID,
		Quantity:    record.Quantity,
		RefundedAt:  time.Now().UTC(),
	}
	claimed, won, err := m.Records.RefundRecordSaveIfAbsent(refund)
	if err != nil {
		return nil, fmt.Errorf("refund %s: %w", orderLineID, err)
	}
	if !won {
		m.logger.Infof("Order line %s was already refunded at %s", orderLineID, claimed.RefundedAt.Format(time.RFC3339))
		if !claimed.RestoredStock {
			m.logger.Warningf("Refund of %s never restored %d unit(s) of %s; restock by hand", orderLineID, claimed.Quantity, claimed.ProductID)
		}
		return claimed, nil
	}
	if err := m.Ledger.Increment(context.WithoutCancel(ctx), record.ProductID, record.Quantity); err != nil {
		m.logger.Errorf("MANUAL REPAIR: refund of %s could not restore %d unit(s) of product %s: %s",
			orderLineID, record.Quantity, record.ProductID, err.Error())
		return refund, fmt.Errorf("refund %s: restore stock: %w", orderLineID, err)
	}
	refund.RestoredStock = true
	if revokeAsset {
		result := m.RevokeAsset(ctx, record.ProductID)
		refund.AssetDelete = &result
	}
	if err := m.Records.RefundRecordUpdate(refund); err != nil {
		m.logger.Warningf("Refund of %s done but its record was not updated: %s", orderLineID, err.Error())
	}
	m.logger.Infof("Refunded order line %s: restored %d unit(s) of %s", orderLineID, record.Quantity, record.ProductID)
	return refund, nil
}

// Record returns the fulfillment record of a delivered order line.
func (m *Manager) Record(ctx context.Context, orderLineID string) (*service.FulfillmentRecord, error) {
	record, err := m.Records.FulfillmentRecordGet(orderLineID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("%s: %w", orderLineID, ErrNoRecord)
	}
	return record, nil
}

// History returns every asset the product has delivered, oldest first.
func (m *Manager) History(ctx context.Context, productID string) ([]*service.StoredAsset, error) {
	assets, err := m.Catalog.AssetHistory(productID)
	if err != nil {
		return nil, err
	}
	sort.Slice(assets, func(i, j int) bool {
		return assets[i].CreatedAt.Before(assets[j].CreatedAt)
	})
	return assets, nil
}
