package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/digitalgoods/fulfillment-services/constants"
	"github.com/digitalgoods/fulfillment-services/credentials"
	"github.com/digitalgoods/fulfillment-services/models/service"
	"github.com/digitalgoods/fulfillment-services/util/logger"
	"github.com/google/uuid"
	"github.com/op/go-logging"
)

// Gateway is the provider-agnostic front door to remote storage.
// Uploads go to the first provider in the configured order that accepts
// them. Links and deletes go only to the provider recorded on the
// asset. Every remote call is bounded by the gateway's timeout.
type Gateway struct {
	credentials *credentials.Manager
	logger      *logging.Logger
	order       []service.StorageProvider
	providers   map[service.StorageProvider]Provider
	timeout     time.Duration
	observer    Observer
}

// NewGateway returns a gateway that tries providers in order. Names in
// order with no matching Provider (because the provider was disabled
// at startup) are dropped.
func NewGateway(credManager *credentials.Manager, logger *logging.Logger, order []service.StorageProvider, providers ...Provider) *Gateway {
	byName := make(map[service.StorageProvider]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	enabled := make([]service.StorageProvider, 0, len(order))
	for _, name := range order {
		if _, ok := byName[name]; !ok {
			logger.Warningf("Storage provider %s is not enabled and will be skipped", name)
			continue
		}
		enabled = append(enabled, name)
	}
	return &Gateway{
		credentials: credManager,
		logger:      logger,
		order:       enabled,
		providers:   byName,
		timeout:     constants.DefaultProviderTimeout,
		observer:    nopObserver{},
	}
}

// WithTimeout sets the limit on each remote call. Call it before the
// gateway is used.
func (g *Gateway) WithTimeout(timeout time.Duration) *Gateway {
	if timeout > 0 {
		g.timeout = timeout
	}
	return g
}

// WithObserver sets the metrics observer. Call it before the gateway is
// used.
func (g *Gateway) WithObserver(observer Observer) *Gateway {
	if observer != nil {
		g.observer = observer
	}
	return g
}

// Providers returns the enabled providers in the order uploads try them.
func (g *Gateway) Providers() []service.StorageProvider {
	copied := make([]service.StorageProvider, len(g.order))
	copy(copied, g.order)
	return copied
}

// WithCredential calls fn with a current token for provider. If fn
// fails with credentials.ErrAuthRejected, the token is refreshed and
// fn is called once more. A second rejection is returned as is.
func (g *Gateway) WithCredential(ctx context.Context, provider service.StorageProvider, fn func(token string) error) error {
	cred, err := g.credentials.Acquire(ctx, provider)
	if err != nil {
		return err
	}
	err = fn(cred.AccessToken)
	if !errors.Is(err, credentials.ErrAuthRejected) {
		return err
	}
	g.logger.Warningf("%s rejected %s; refreshing and retrying once", provider, logger.Redact(cred.AccessToken))
	cred, err = g.credentials.ForceRefresh(ctx, provider)
	if err != nil {
		return err
	}
	return fn(cred.AccessToken)
}

// Upload stores content on the first provider in order that accepts it.
// The returned asset records which provider that was. If every provider
// fails, the error is an *UploadFailedError carrying the last cause.
func (g *Gateway) Upload(ctx context.Context, fileName string, content []byte, mimeType string) (*service.StoredAsset, error) {
	if len(g.order) == 0 {
		return nil, &UploadFailedError{Cause: fmt.Errorf("no storage provider is enabled: %w", credentials.ErrAuthUnavailable)}
	}
	var lastErr error
	var lastProvider service.StorageProvider
	for _, name := range g.order {
		asset, err := g.uploadTo(ctx, g.providers[name], fileName, content, mimeType)
		if err == nil {
			g.logger.Infof("Uploaded %s (%d bytes) to %s as %s", fileName, len(content), name, asset.ExternalID)
			return asset, nil
		}
		g.logger.Warningf("Upload of %s to %s failed: %s", fileName, name, err.Error())
		lastErr = err
		lastProvider = name
		if ctx.Err() != nil {
			break
		}
	}
	return nil, &UploadFailedError{Provider: lastProvider, Cause: lastErr}
}

// An abandoned upload is cut off at this multiple of the gateway
// timeout so a hung provider cannot hold a goroutine forever.
const orphanLimitFactor = 10

type uploadResult struct {
	asset *service.StoredAsset
	err   error
}

// uploadTo runs one provider upload on a context detached from the
// caller. The caller waits at most g.timeout. If it stops waiting, the
// upload keeps going and whatever it produces is logged as an orphan
// and dropped; no record ever points at it.
func (g *Gateway) uploadTo(ctx context.Context, p Provider, fileName string, content []byte, mimeType string) (*service.StoredAsset, error) {
	name := p.Name()
	done := make(chan uploadResult, 1)
	abandoned := make(chan struct{})
	started := time.Now()
	go func() {
		uploadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout*orphanLimitFactor)
		defer cancel()
		var asset *service.StoredAsset
		err := g.WithCredential(uploadCtx, name, func(token string) error {
			var uploadErr error
			asset, uploadErr = p.Upload(uploadCtx, token, fileName, content, mimeType)
			return uploadErr
		})
		if err == nil && asset == nil {
			err = fmt.Errorf("%s returned no asset", name)
		}
		g.observer.RecordOperation(name, OperationUpload, time.Since(started), err)
		if err == nil {
			g.observer.RecordUploadBytes(name, int64(len(content)))
			g.completeAsset(asset, name, fileName, content, mimeType)
		}
		select {
		case done <- uploadResult{asset: asset, err: err}:
		case <-abandoned:
			g.logOrphan(name, fileName, asset, err, time.Since(started))
		}
	}()

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()
	select {
	case result := <-done:
		return result.asset, result.err
	case <-timer.C:
		close(abandoned)
		return nil, fmt.Errorf("%s upload of %s gave up after %s: %w", name, fileName, g.timeout, context.DeadlineExceeded)
	case <-ctx.Done():
		close(abandoned)
		return nil, fmt.Errorf("%s upload of %s: %w", name, fileName, ctx.Err())
	}
}

func (g *Gateway) completeAsset(asset *service.StoredAsset, name service.StorageProvider, fileName string, content []byte, mimeType string) {
	if asset.ID == "" {
		asset.ID = uuid.NewString()
	}
	asset.Provider = name
	if asset.DisplayName == "" {
		asset.DisplayName = fileName
	}
	if asset.ByteSize == 0 {
		asset.ByteSize = int64(len(content))
	}
	if asset.MimeType == "" {
		asset.MimeType = mimeType
	}
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = time.Now().UTC()
	}
}

func (g *Gateway) logOrphan(name service.StorageProvider, fileName string, asset *service.StoredAsset, err error, elapsed time.Duration) {
	if err != nil {
		g.logger.Infof("Abandoned %s upload of %s failed after %s: %s", name, fileName, elapsed, err.Error())
		return
	}
	g.logger.Warningf("Orphaned upload: %s stored %s as %s after %s, but the caller had given up. "+
		"Nothing references it; delete it from %s by hand.", name, fileName, asset.ExternalID, elapsed, name)
	g.observer.RecordOrphan(name)
}

// DownloadLink returns a link to asset from the provider that holds it.
// Failures wrap ErrLinkUnavailable. No other provider is consulted.
func (g *Gateway) DownloadLink(ctx context.Context, asset *service.StoredAsset) (string, error) {
	p, ok := g.providers[asset.Provider]
	if !ok {
		return "", fmt.Errorf("%w: provider %s is not enabled", ErrLinkUnavailable, asset.Provider)
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	started := time.Now()
	var link string
	err := g.WithCredential(ctx, asset.Provider, func(token string) error {
		var linkErr error
		link, linkErr = p.DownloadLink(ctx, token, asset)
		return linkErr
	})
	if err == nil && link == "" {
		err = fmt.Errorf("%s returned an empty link", asset.Provider)
	}
	g.observer.RecordOperation(asset.Provider, OperationLink, time.Since(started), err)
	if err != nil {
		g.logger.Warningf("No download link for %s on %s: %s", asset.ExternalID, asset.Provider, err.Error())
		return "", fmt.Errorf("%w: %s %s: %w", ErrLinkUnavailable, asset.Provider, asset.ExternalID, err)
	}
	return link, nil
}

// Delete removes asset from the provider that holds it. It never
// returns an error: a file that was already gone is reported as
// NotFound, anything else that goes wrong as Failed, and both are
// logged.
func (g *Gateway) Delete(ctx context.Context, asset *service.StoredAsset) service.DeleteResult {
	result := service.DeleteResult{
		Provider:   asset.Provider,
		ExternalID: asset.ExternalID,
		Outcome:    constants.DeleteFailed,
	}
	p, ok := g.providers[asset.Provider]
	if !ok {
		result.Err = fmt.Errorf("provider %s is not enabled", asset.Provider)
		g.logger.Warningf("Cannot delete %s", result.String())
		return result
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	started := time.Now()
	var outcome string
	err := g.WithCredential(ctx, asset.Provider, func(token string) error {
		var deleteErr error
		outcome, deleteErr = p.Delete(ctx, token, asset)
		return deleteErr
	})
	if err == nil && outcome != constants.DeleteDeleted && outcome != constants.DeleteNotFound {
		err = fmt.Errorf("%s reported delete outcome %q", asset.Provider, outcome)
	}
	g.observer.RecordOperation(asset.Provider, OperationDelete, time.Since(started), err)
	if err != nil {
		result.Err = err
		g.logger.Warningf("Best-effort %s", result.String())
		return result
	}
	result.Outcome = outcome
	g.logger.Infof("%s", result.String())
	return result
}
