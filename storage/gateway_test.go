package storage_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/digitalgoods/fulfillment-services/constants"
	"github.com/digitalgoods/fulfillment-services/credentials"
	"github.com/digitalgoods/fulfillment-services/models/service"
	"github.com/digitalgoods/fulfillment-services/storage"
	"github.com/digitalgoods/fulfillment-services/util/testutil"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var order = []service.StorageProvider{service.DriveProvider, service.MediaFireProvider}

type gatewayFixture struct {
	gateway   *storage.Gateway
	manager   *credentials.Manager
	drive     *testutil.FakeProvider
	mediafire *testutil.FakeProvider
	driveAuth *testutil.FakeAuthenticator
	mfAuth    *testutil.FakeAuthenticator
	observer  *storage.PrometheusObserver
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	f := &gatewayFixture{
		manager:   credentials.NewManager(testLog),
		drive:     testutil.NewFakeProvider(service.DriveProvider),
		mediafire: testutil.NewFakeProvider(service.MediaFireProvider),
		driveAuth: testutil.NewFakeAuthenticator(service.DriveProvider),
		mfAuth:    testutil.NewFakeAuthenticator(service.MediaFireProvider),
	}
	f.mfAuth.Lifetime = constants.SessionTokenLifetime
	f.manager.Register(service.DriveProvider, f.driveAuth)
	f.manager.Register(service.MediaFireProvider, f.mfAuth)
	observer, err := storage.NewPrometheusObserver("test", prometheus.NewRegistry())
	require.Nil(t, err)
	f.observer = observer
	f.gateway = storage.NewGateway(f.manager, testLog, order, f.drive, f.mediafire).
		WithTimeout(500 * time.Millisecond).
		WithObserver(observer)
	return f
}

func upload(t *testing.T, gateway *storage.Gateway) (*service.StoredAsset, error) {
	return gateway.Upload(context.Background(), testutil.FileName, []byte(testutil.AssetBytes), testutil.MimeType)
}

func TestUploadPrimary(t *testing.T) {
	f := newGatewayFixture(t)
	asset, err := upload(t, f.gateway)
	require.Nil(t, err)
	assert.Equal(t, service.DriveProvider, asset.Provider)
	assert.NotEmpty(t, asset.ID)
	assert.NotEmpty(t, asset.ExternalID)
	assert.Equal(t, testutil.FileName, asset.DisplayName)
	assert.Equal(t, testutil.MimeType, asset.MimeType)
	assert.EqualValues(t, len(testutil.AssetBytes), asset.ByteSize)
	assert.False(t, asset.CreatedAt.IsZero())
	assert.True(t, asset.IsActive())
	assert.Equal(t, 0, f.mediafire.TotalCalls())
}

func TestUploadFallbackAndRouting(t *testing.T) {
	f := newGatewayFixture(t)
	f.drive.SetUploadError(errors.New("quota exceeded"))

	asset, err := upload(t, f.gateway)
	require.Nil(t, err)
	assert.Equal(t, service.MediaFireProvider, asset.Provider)
	assert.Equal(t, 1, f.drive.Calls("upload"))

	// Link and delete go only to the provider that holds the asset.
	link, err := f.gateway.DownloadLink(context.Background(), asset)
	require.Nil(t, err)
	assert.Contains(t, link, asset.ExternalID)
	result := f.gateway.Delete(context.Background(), asset)
	assert.Equal(t, constants.DeleteDeleted, result.Outcome)
	assert.True(t, result.Succeeded())

	assert.Equal(t, 0, f.drive.Calls("link"))
	assert.Equal(t, 0, f.drive.Calls("delete"))
	assert.Equal(t, 1, f.mediafire.Calls("link"))
	assert.Equal(t, 1, f.mediafire.Calls("delete"))

	assert.Equal(t, float64(1), promtest.ToFloat64(f.observerFailures(service.DriveProvider, storage.OperationUpload)))
}

func (f *gatewayFixture) observerFailures(provider service.StorageProvider, op string) prometheus.Collector {
	return storage.FailureCounter(f.observer, provider, op)
}

func TestUploadAllFail(t *testing.T) {
	f := newGatewayFixture(t)
	f.drive.SetUploadError(errors.New("drive down"))
	f.mediafire.SetUploadError(errors.New("mediafire down"))

	asset, err := upload(t, f.gateway)
	assert.Nil(t, asset)
	require.NotNil(t, err)
	assert.True(t, errors.Is(err, storage.ErrUploadFailed))
	var uploadErr *storage.UploadFailedError
	require.True(t, errors.As(err, &uploadErr))
	assert.Equal(t, service.MediaFireProvider, uploadErr.Provider)
	assert.Contains(t, uploadErr.Cause.Error(), "mediafire down")
}

func TestUploadNoProviders(t *testing.T) {
	gateway := storage.NewGateway(credentials.NewManager(testLog), testLog, order)
	assert.Empty(t, gateway.Providers())
	_, err := upload(t, gateway)
	assert.True(t, errors.Is(err, storage.ErrUploadFailed))
	assert.True(t, errors.Is(err, credentials.ErrAuthUnavailable))
}

func TestDisabledProviderDroppedFromOrder(t *testing.T) {
	manager := credentials.NewManager(testLog)
	manager.Register(service.MediaFireProvider, testutil.NewFakeAuthenticator(service.MediaFireProvider))
	mediafire := testutil.NewFakeProvider(service.MediaFireProvider)
	gateway := storage.NewGateway(manager, testLog, order, mediafire)
	assert.Equal(t, []service.StorageProvider{service.MediaFireProvider}, gateway.Providers())

	asset, err := upload(t, gateway)
	require.Nil(t, err)
	assert.Equal(t, service.MediaFireProvider, asset.Provider)

	// An asset on a disabled provider gets no link and a failed delete.
	driveAsset := testutil.GetStoredAsset(service.DriveProvider)
	_, err = gateway.DownloadLink(context.Background(), driveAsset)
	assert.True(t, errors.Is(err, storage.ErrLinkUnavailable))
	result := gateway.Delete(context.Background(), driveAsset)
	assert.Equal(t, constants.DeleteFailed, result.Outcome)
	assert.False(t, result.Succeeded())
}

func TestUploadProviderWithoutCredentialsFallsBack(t *testing.T) {
	manager := credentials.NewManager(testLog)
	manager.Register(service.MediaFireProvider, testutil.NewFakeAuthenticator(service.MediaFireProvider))
	drive := testutil.NewFakeProvider(service.DriveProvider)
	mediafire := testutil.NewFakeProvider(service.MediaFireProvider)
	gateway := storage.NewGateway(manager, testLog, order, drive, mediafire)

	asset, err := upload(t, gateway)
	require.Nil(t, err)
	assert.Equal(t, service.MediaFireProvider, asset.Provider)
	assert.Equal(t, 0, drive.TotalCalls())
}

func TestRejectedTokenRefreshedOnce(t *testing.T) {
	f := newGatewayFixture(t)
	f.drive.RejectToken(f.driveAuth.TokenNumber(1))

	asset, err := upload(t, f.gateway)
	require.Nil(t, err)
	assert.Equal(t, service.DriveProvider, asset.Provider)
	assert.Equal(t, 2, f.driveAuth.Issued())
	assert.Equal(t, []string{f.driveAuth.TokenNumber(1), f.driveAuth.TokenNumber(2)}, f.drive.Tokens())
}

func TestRejectedTwiceSurfaces(t *testing.T) {
	f := newGatewayFixture(t)
	f.mediafire.RejectToken(f.mfAuth.TokenNumber(1))
	f.mediafire.RejectToken(f.mfAuth.TokenNumber(2))
	asset := testutil.GetStoredAsset(service.MediaFireProvider)

	_, err := f.gateway.DownloadLink(context.Background(), asset)
	require.NotNil(t, err)
	assert.True(t, errors.Is(err, storage.ErrLinkUnavailable))
	assert.True(t, errors.Is(err, credentials.ErrAuthRejected))
	assert.Equal(t, 2, f.mediafire.Calls("link"))
	assert.Equal(t, 2, f.mfAuth.Issued())
}

func TestUploadTimeoutOrphan(t *testing.T) {
	f := newGatewayFixture(t)
	f.gateway.WithTimeout(50 * time.Millisecond)
	f.drive.SetUploadDelay(200 * time.Millisecond)

	started := time.Now()
	asset, err := upload(t, f.gateway)
	require.Nil(t, err)
	// Drive was abandoned at the timeout; MediaFire took the upload.
	assert.Equal(t, service.MediaFireProvider, asset.Provider)
	assert.Less(t, time.Since(started), 200*time.Millisecond)

	// The abandoned Drive upload still finishes, and is counted as an
	// orphan rather than bound to anything.
	require.Eventually(t, func() bool {
		return f.drive.FileCount() == 1
	}, time.Second, 10*time.Millisecond)
	// The counter moves after the orphan is logged, so the goroutine is
	// done with the logger once it reads 1.
	require.Eventually(t, func() bool {
		return promtest.ToFloat64(storage.OrphanCounter(f.observer, service.DriveProvider)) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestUploadCallerCancelled(t *testing.T) {
	f := newGatewayFixture(t)
	f.drive.SetUploadDelay(100 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := f.gateway.Upload(ctx, testutil.FileName, []byte(testutil.AssetBytes), testutil.MimeType)
	require.NotNil(t, err)
	assert.True(t, errors.Is(err, storage.ErrUploadFailed))
	assert.True(t, errors.Is(err, context.Canceled))
	// The gateway stopped after the first provider.
	assert.Equal(t, 0, f.mediafire.Calls("upload"))
}

func TestDownloadLinkFailure(t *testing.T) {
	f := newGatewayFixture(t)
	asset, err := upload(t, f.gateway)
	require.Nil(t, err)
	f.drive.SetLinkError(errors.New("rate limited"))
	link, err := f.gateway.DownloadLink(context.Background(), asset)
	assert.Equal(t, "", link)
	assert.True(t, errors.Is(err, storage.ErrLinkUnavailable))
	assert.Contains(t, err.Error(), "rate limited")
}

func TestDownloadLinkHungProviderTimesOut(t *testing.T) {
	f := newGatewayFixture(t)
	asset, err := upload(t, f.gateway)
	require.Nil(t, err)
	f.gateway.WithTimeout(50 * time.Millisecond)
	f.drive.SetLinkDelay(5 * time.Second)

	started := time.Now()
	_, err = f.gateway.DownloadLink(context.Background(), asset)
	require.NotNil(t, err)
	assert.Less(t, time.Since(started), time.Second)
	assert.True(t, errors.Is(err, storage.ErrLinkUnavailable))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, f.drive.Calls("link"))
}

func TestDeleteHungProviderTimesOut(t *testing.T) {
	f := newGatewayFixture(t)
	asset, err := upload(t, f.gateway)
	require.Nil(t, err)
	f.gateway.WithTimeout(50 * time.Millisecond)
	f.drive.SetDeleteDelay(5 * time.Second)

	started := time.Now()
	result := f.gateway.Delete(context.Background(), asset)
	assert.Less(t, time.Since(started), time.Second)
	assert.Equal(t, constants.DeleteFailed, result.Outcome)
	assert.False(t, result.Succeeded())
	assert.True(t, errors.Is(result.Err, context.DeadlineExceeded))
	assert.True(t, f.drive.Has(asset.ExternalID))
}

func TestDeleteOutcomes(t *testing.T) {
	f := newGatewayFixture(t)
	asset, err := upload(t, f.gateway)
	require.Nil(t, err)

	result := f.gateway.Delete(context.Background(), asset)
	assert.Equal(t, constants.DeleteDeleted, result.Outcome)
	assert.Nil(t, result.Err)

	// Gone already.
	result = f.gateway.Delete(context.Background(), asset)
	assert.Equal(t, constants.DeleteNotFound, result.Outcome)
	assert.True(t, result.Succeeded())

	f.drive.SetDeleteError(fmt.Errorf("500 from provider"))
	result = f.gateway.Delete(context.Background(), asset)
	assert.Equal(t, constants.DeleteFailed, result.Outcome)
	assert.False(t, result.Succeeded())
	assert.NotNil(t, result.Err)
}

func TestPrometheusObserverReRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := storage.NewPrometheusObserver("again", reg)
	require.Nil(t, err)
	second, err := storage.NewPrometheusObserver("again", reg)
	require.Nil(t, err)
	first.RecordOperation(service.DriveProvider, storage.OperationDelete, time.Millisecond, errors.New("x"))
	second.RecordOperation(service.DriveProvider, storage.OperationDelete, time.Millisecond, errors.New("x"))
	assert.Equal(t, float64(2), promtest.ToFloat64(storage.FailureCounter(second, service.DriveProvider, storage.OperationDelete)))

	var nilObserver *storage.PrometheusObserver
	nilObserver.RecordOrphan(service.DriveProvider)
}
