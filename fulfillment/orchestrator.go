package fulfillment

import (
	"context"
	"fmt"
	"time"

	"github.com/digitalgoods/fulfillment-services/constants"
	"github.com/digitalgoods/fulfillment-services/ledger"
	"github.com/digitalgoods/fulfillment-services/models/common"
	"github.com/digitalgoods/fulfillment-services/models/service"
	"github.com/op/go-logging"
	"golang.org/x/sync/singleflight"
)

// Orchestrator turns a paid order line into a delivered download link.
// It reserves stock, makes sure the product's asset is uploaded, fetches
// a link and writes a fulfillment record, in that order. Anything that
// fails after the reservation gives the stock back before the request
// is reported as Failed.
//
// Fulfill is idempotent on the order line ID. A line that already has a
// record is answered from the record without touching stock or storage,
// and concurrent calls for the same line in one process share a single
// execution.
type Orchestrator struct {
	ledger   ledger.Ledger
	storage  AssetStorage
	catalog  AssetCatalog
	records  RecordStore
	staging  StagingStore
	logger   *logging.Logger
	observer Observer
	lines    singleflight.Group
	uploads  singleflight.Group
	now      func() time.Time
}

func NewOrchestrator(stock ledger.Ledger, storage AssetStorage, catalog AssetCatalog, records RecordStore, staging StagingStore, logger *logging.Logger) *Orchestrator {
	return &Orchestrator{
		ledger:   stock,
		storage:  storage,
		catalog:  catalog,
		records:  records,
		staging:  staging,
		logger:   logger,
		observer: nopObserver{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithObserver sets the outcome observer. Call it before use.
func (o *Orchestrator) WithObserver(observer Observer) *Orchestrator {
	if observer != nil {
		o.observer = observer
	}
	return o
}

// Fulfill runs req through Pending, Reserving, Uploading (only on a
// product's first sale) and ends in Delivered or Failed. It always
// returns a result; the result's Err holds the internal cause of a
// failure and Reason its category.
func (o *Orchestrator) Fulfill(ctx context.Context, req *service.FulfillmentRequest) *service.FulfillmentResult {
	started := time.Now()
	result := o.fulfillOnce(ctx, req)
	o.observer.RecordOutcome(result, time.Since(started))
	return result
}

func (o *Orchestrator) fulfillOnce(ctx context.Context, req *service.FulfillmentRequest) *service.FulfillmentResult {
	if err := req.Validate(); err != nil {
		o.logger.Warningf("Rejected fulfillment request: %s", err.Error())
		return failed(req, constants.ReasonInvalidRequest, common.NewError(err.Error(), err, true))
	}
	value, _, shared := o.lines.Do(req.OrderLineID, func() (interface{}, error) {
		return o.fulfill(ctx, req), nil
	})
	result := value.(*service.FulfillmentResult)
	if shared {
		o.logger.Debugf("Order line %s: result shared with a concurrent duplicate", req.OrderLineID)
		copied := *result
		return &copied
	}
	return result
}

func (o *Orchestrator) fulfill(ctx context.Context, req *service.FulfillmentRequest) *service.FulfillmentResult {
	result := &service.FulfillmentResult{
		OrderLineID: req.OrderLineID,
		ProductID:   req.ProductID,
		State:       constants.StatePending,
	}

	existing, err := o.records.FulfillmentRecordGet(req.OrderLineID)
	if err != nil {
		return o.fail(result, constants.ReasonRecordUnavailable, "cannot read fulfillment record", err)
	}
	if existing != nil {
		o.logger.Infof("Order line %s was delivered at %s; returning the existing record",
			req.OrderLineID, existing.DeliveredAt.Format(time.RFC3339))
		result.State = constants.StateDelivered
		result.Record = existing
		result.Replayed = true
		return result
	}

	result.State = constants.StateReserving
	reserved, err := o.ledger.TryDecrement(ctx, req.ProductID, req.Quantity)
	if err != nil {
		return o.fail(result, constants.ReasonRecordUnavailable, "cannot reserve stock", err)
	}
	if !reserved {
		o.logger.Infof("Order line %s: product %s has fewer than %d unit(s) left", req.OrderLineID, req.ProductID, req.Quantity)
		return o.fail(result, constants.ReasonOutOfStock,
			fmt.Sprintf("product %s is out of stock", req.ProductID), nil)
	}
	o.logger.Debugf("Order line %s reserved %d unit(s) of %s", req.OrderLineID, req.Quantity, req.ProductID)

	asset, reason, err := o.activeAsset(ctx, req.ProductID, result)
	if err != nil {
		o.compensate(ctx, req)
		return o.fail(result, reason, "no asset to deliver", err)
	}

	link, err := o.storage.DownloadLink(ctx, asset)
	if err != nil {
		o.compensate(ctx, req)
		return o.fail(result, constants.ReasonStorageUnavailable, "cannot get download link", err)
	}

	record := &service.FulfillmentRecord{
		OrderLineID:  req.OrderLineID,
		ProductID:    req.ProductID,
		Quantity:     req.Quantity,
		Provider:     asset.Provider,
		AssetID:      asset.ID,
		DownloadLink: link,
		DeliveredAt:  o.now(),
	}
	saved, won, err := o.records.FulfillmentRecordSaveIfAbsent(record)
	if err != nil {
		o.compensate(ctx, req)
		return o.fail(result, constants.ReasonRecordUnavailable, "cannot save fulfillment record", err)
	}
	result.State = constants.StateDelivered
	result.Record = saved
	if !won {
		// Another process delivered this line between our lookup and
		// our save. Its record stands and our reservation goes back.
		o.logger.Infof("Order line %s was delivered concurrently elsewhere; releasing our reservation", req.OrderLineID)
		o.compensate(ctx, req)
		result.Replayed = true
		return result
	}
	o.logger.Infof("Delivered order line %s: %d x %s from %s asset %s",
		req.OrderLineID, req.Quantity, req.ProductID, asset.Provider, asset.ID)
	return result
}

// activeAsset returns the product's active asset. On a product's first
// sale there is none, so the staged file is uploaded and bound. Every
// concurrent first sale of the product in this process waits on that
// one upload.
func (o *Orchestrator) activeAsset(ctx context.Context, productID string, result *service.FulfillmentResult) (*service.StoredAsset, string, error) {
	asset, err := o.catalog.ActiveAssetGet(productID)
	if err != nil {
		return nil, constants.ReasonRecordUnavailable, err
	}
	if asset != nil {
		return asset, "", nil
	}
	result.State = constants.StateUploading
	value, err, _ := o.uploads.Do(productID, func() (interface{}, error) {
		return o.uploadStaged(ctx, productID)
	})
	if err != nil {
		if reasonErr, ok := err.(*reasonError); ok {
			return nil, reasonErr.reason, reasonErr.err
		}
		return nil, constants.ReasonStorageUnavailable, err
	}
	return value.(*service.StoredAsset), "", nil
}

func (o *Orchestrator) uploadStaged(ctx context.Context, productID string) (*service.StoredAsset, error) {
	// A flight that finished just before this one may have bound it.
	asset, err := o.catalog.ActiveAssetGet(productID)
	if err != nil {
		return nil, &reasonError{constants.ReasonRecordUnavailable, err}
	}
	if asset != nil {
		return asset, nil
	}
	staged, err := o.staging.Get(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("staged file for %s: %w", productID, err)
	}
	if staged == nil {
		return nil, fmt.Errorf("product %s has no active asset and no staged file", productID)
	}
	uploaded, err := o.storage.Upload(ctx, staged.FileName, staged.Content, staged.MimeType)
	if err != nil {
		return nil, err
	}
	uploaded.ProductID = productID
	bound, won, err := o.catalog.ActiveAssetBind(uploaded)
	if err != nil {
		bound, won, err = o.confirmBind(ctx, uploaded, err)
		if err != nil {
			return nil, err
		}
	}
	if !won {
		if bound == nil {
			o.discard(ctx, uploaded, "the asset that won the bind is gone")
			return nil, &reasonError{constants.ReasonRecordUnavailable,
				fmt.Errorf("active asset of %s was removed during bind", productID)}
		}
		o.discard(ctx, uploaded, fmt.Sprintf("lost the bind race to %s", bound.ID))
		return bound, nil
	}
	o.logger.Infof("Product %s now delivers asset %s on %s", productID, uploaded.ID, uploaded.Provider)
	// Once bound, the staged copy is no longer needed. Removing it also
	// keeps a revoked asset from being uploaded again on the next sale.
	if err := o.staging.Delete(ctx, productID); err != nil {
		o.logger.Warningf("Could not remove staged file for %s: %s", productID, err.Error())
	}
	return uploaded, nil
}

// confirmBind reads the catalog after a bind that returned an error,
// since the write may have landed anyway. The upload is deleted only if
// the catalog shows some other asset active; if the catalog cannot be
// read, the upload is left in place and logged for manual cleanup.
func (o *Orchestrator) confirmBind(ctx context.Context, uploaded *service.StoredAsset, bindErr error) (*service.StoredAsset, bool, error) {
	active, err := o.catalog.ActiveAssetGet(uploaded.ProductID)
	if err != nil {
		o.logger.Errorf("Upload %s of product %s on %s (external id %s) is in an unknown state after bind error %v; catalog read failed: %v",
			uploaded.ID, uploaded.ProductID, uploaded.Provider, uploaded.ExternalID, bindErr, err)
		return nil, false, &reasonError{constants.ReasonRecordUnavailable, bindErr}
	}
	if active != nil && active.ID == uploaded.ID {
		o.logger.Warningf("Bind of %s for product %s reported %v but the asset is active", uploaded.ID, uploaded.ProductID, bindErr)
		return uploaded, true, nil
	}
	if active == nil {
		o.discard(ctx, uploaded, "could not be bound")
		return nil, false, &reasonError{constants.ReasonRecordUnavailable, bindErr}
	}
	return active, false, nil
}

// discard deletes an uploaded asset that nothing references.
func (o *Orchestrator) discard(ctx context.Context, asset *service.StoredAsset, why string) {
	result := o.storage.Delete(context.WithoutCancel(ctx), asset)
	o.logger.Warningf("Discarded upload %s of product %s (%s): %s", asset.ID, asset.ProductID, why, result.String())
}

// compensate returns reserved stock. It runs even if ctx is cancelled,
// since the reservation was made on the caller's behalf either way.
func (o *Orchestrator) compensate(ctx context.Context, req *service.FulfillmentRequest) {
	err := o.ledger.Increment(context.WithoutCancel(ctx), req.ProductID, req.Quantity)
	if err != nil {
		o.logger.Errorf("MANUAL REPAIR: could not restore %d unit(s) of product %s after order line %s failed: %s",
			req.Quantity, req.ProductID, req.OrderLineID, err.Error())
		return
	}
	o.logger.Infof("Restored %d unit(s) of product %s for order line %s", req.Quantity, req.ProductID, req.OrderLineID)
}

func (o *Orchestrator) fail(result *service.FulfillmentResult, reason, message string, cause error) *service.FulfillmentResult {
	result.State = constants.StateFailed
	result.Reason = reason
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}
	isFatal := reason == constants.ReasonOutOfStock || reason == constants.ReasonInvalidRequest
	err := common.NewError(message, cause, isFatal)
	result.Err = err
	if cause != nil {
		o.logger.Warningf("Order line %s failed (%s): %s", result.OrderLineID, reason, err.Detail())
	}
	return result
}

func failed(req *service.FulfillmentRequest, reason string, err error) *service.FulfillmentResult {
	return &service.FulfillmentResult{
		OrderLineID: req.OrderLineID,
		ProductID:   req.ProductID,
		State:       constants.StateFailed,
		Reason:      reason,
		Err:         err,
	}
}

// reasonError carries a failure reason out of the upload flight.
type reasonError struct {
	reason string
	err    error
}

func (e *reasonError) Error() string {
	return e.err.Error()
}

func (e *reasonError) Unwrap() error {
	return e.err
}
