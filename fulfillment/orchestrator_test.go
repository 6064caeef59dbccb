package fulfillment_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/digitalgoods/fulfillment-services/constants"
	"github.com/digitalgoods/fulfillment-services/credentials"
	"github.com/digitalgoods/fulfillment-services/fulfillment"
	"github.com/digitalgoods/fulfillment-services/ledger"
	"github.com/digitalgoods/fulfillment-services/models/service"
	"github.com/digitalgoods/fulfillment-services/network"
	"github.com/digitalgoods/fulfillment-services/storage"
	"github.com/digitalgoods/fulfillment-services/util/logger"
	"github.com/digitalgoods/fulfillment-services/util/testutil"
	"github.com/op/go-logging"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingLedger wraps a MemoryLedger and counts calls.
type countingLedger struct {
	*ledger.MemoryLedger
	decrements   int32
	increments   int32
	incrementErr error
}

func (l *countingLedger) TryDecrement(ctx context.Context, productID string, qty int64) (bool, error) {
	atomic.AddInt32(&l.decrements, 1)
	return l.MemoryLedger.TryDecrement(ctx, productID, qty)
}

func (l *countingLedger) Increment(ctx context.Context, productID string, qty int64) error {
	atomic.AddInt32(&l.increments, 1)
	if l.incrementErr != nil {
		return l.incrementErr
	}
	return l.MemoryLedger.Increment(ctx, productID, qty)
}

func (l *countingLedger) calls() int32 {
	return atomic.LoadInt32(&l.decrements) + atomic.LoadInt32(&l.increments)
}

type clock struct {
	mutex sync.Mutex
	now   time.Time
}

func (c *clock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	orchestrator *fulfillment.Orchestrator
	ledger       *countingLedger
	redis        *testutil.RedisServer
	records      *network.RedisClient
	staging      *testutil.FakeStagingStore
	drive        *testutil.FakeProvider
	mediafire    *testutil.FakeProvider
	driveAuth    *testutil.FakeAuthenticator
	mfAuth       *testutil.FakeAuthenticator
	clock        *clock
	observer     *fulfillment.PrometheusObserver
}

func newFixture(t *testing.T, stock int64) *fixture {
	log, _ := logger.InitLogger("", logging.DEBUG)
	f := &fixture{
		ledger:    &countingLedger{MemoryLedger: ledger.NewMemoryLedger()},
		redis:     testutil.NewRedisServer(),
		staging:   testutil.NewFakeStagingStore(),
		drive:     testutil.NewFakeProvider(service.DriveProvider),
		mediafire: testutil.NewFakeProvider(service.MediaFireProvider),
		driveAuth: testutil.NewFakeAuthenticator(service.DriveProvider),
		mfAuth:    testutil.NewFakeAuthenticator(service.MediaFireProvider),
		clock:     &clock{now: testutil.Bloomsday},
	}
	t.Cleanup(f.redis.Close)
	f.records = network.NewRedisClient(f.redis.Addr(), "", 0)
	f.ledger.Set(testutil.ProductID, stock)
	require.Nil(t, f.staging.Put(context.Background(), testutil.GetStagedFile()))

	f.mfAuth.Lifetime = constants.SessionTokenLifetime
	f.mfAuth.Now = f.clock.Now
	manager := credentials.NewManager(log, credentials.WithClock(f.clock.Now))
	manager.Register(service.DriveProvider, f.driveAuth)
	manager.Register(service.MediaFireProvider, f.mfAuth)
	gateway := storage.NewGateway(manager, log,
		[]service.StorageProvider{service.DriveProvider, service.MediaFireProvider},
		f.drive, f.mediafire).WithTimeout(time.Second)

	observer, err := fulfillment.NewPrometheusObserver("test", prometheus.NewRegistry())
	require.Nil(t, err)
	f.observer = observer
	f.orchestrator = fulfillment.NewOrchestrator(f.ledger, gateway, f.records, f.records, f.staging, log).
		WithObserver(observer)
	return f
}

func (f *fixture) stock(t *testing.T) int64 {
	stock, err := f.ledger.Stock(context.Background(), testutil.ProductID)
	require.Nil(t, err)
	return stock
}

func (f *fixture) fulfill(req *service.FulfillmentRequest) *service.FulfillmentResult {
	return f.orchestrator.Fulfill(context.Background(), req)
}

func TestFirstSaleUploadsAndDelivers(t *testing.T) {
	f := newFixture(t, 5)
	req := testutil.GetFulfillmentRequest(2)
	result := f.fulfill(req)
	require.True(t, result.Delivered(), result.ErrorMessage())
	assert.False(t, result.Replayed)
	assert.Empty(t, result.Reason)
	assert.Equal(t, service.DriveProvider, result.Record.Provider)
	assert.Contains(t, result.Record.DownloadLink, "https://Drive.example.com/download/")
	assert.Equal(t, result.Record.DownloadLink, result.BuyerMessage())
	assert.EqualValues(t, 3, f.stock(t))

	asset, err := f.records.ActiveAssetGet(testutil.ProductID)
	require.Nil(t, err)
	require.NotNil(t, asset)
	assert.Equal(t, asset.ID, result.Record.AssetID)
	assert.Equal(t, testutil.ProductID, asset.ProductID)

	saved, err := f.records.FulfillmentRecordGet(req.OrderLineID)
	require.Nil(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, result.Record.DownloadLink, saved.DownloadLink)

	// The staged copy goes once the asset is bound.
	exists, err := f.staging.Exists(context.Background(), testutil.ProductID)
	require.Nil(t, err)
	assert.False(t, exists)
	assert.Equal(t, float64(1), promtest.ToFloat64(f.observer.OutcomeCount(constants.StateDelivered, "", false)))
}

func TestLastUnitRace(t *testing.T) {
	f := newFixture(t, 1)
	requests := []*service.FulfillmentRequest{
		testutil.GetFulfillmentRequest(1),
		testutil.GetFulfillmentRequest(1),
	}
	results := make([]*service.FulfillmentResult, len(requests))
	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		go func(i int, req *service.FulfillmentRequest) {
			defer wg.Done()
			results[i] = f.fulfill(req)
		}(i, req)
	}
	wg.Wait()

	delivered, outOfStock := 0, 0
	for _, result := range results {
		if result.Delivered() {
			delivered++
		} else if result.Reason == constants.ReasonOutOfStock {
			outOfStock++
			assert.False(t, result.Retryable())
			assert.Equal(t, constants.BuyerFailureMessage, result.BuyerMessage())
		}
	}
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, outOfStock)
	assert.EqualValues(t, 0, f.stock(t))
}

func TestReplayTouchesNothing(t *testing.T) {
	f := newFixture(t, 3)
	req := testutil.GetFulfillmentRequest(1)
	first := f.fulfill(req)
	require.True(t, first.Delivered(), first.ErrorMessage())

	ledgerCalls := f.ledger.calls()
	providerCalls := f.drive.TotalCalls() + f.mediafire.TotalCalls()
	stagingGets := f.staging.Gets()

	second := f.fulfill(req)
	require.True(t, second.Delivered())
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Record.DownloadLink, second.Record.DownloadLink)
	assert.Equal(t, first.Record.AssetID, second.Record.AssetID)
	assert.Equal(t, ledgerCalls, f.ledger.calls())
	assert.Equal(t, providerCalls, f.drive.TotalCalls()+f.mediafire.TotalCalls())
	assert.Equal(t, stagingGets, f.staging.Gets())
	assert.EqualValues(t, 2, f.stock(t))
	assert.Equal(t, float64(1), promtest.ToFloat64(f.observer.OutcomeCount(constants.StateDelivered, "", true)))
}

func TestFallbackToMediaFire(t *testing.T) {
	f := newFixture(t, 2)
	f.drive.SetUploadError(errors.New("drive returned 503"))
	result := f.fulfill(testutil.GetFulfillmentRequest(1))
	require.True(t, result.Delivered(), result.ErrorMessage())
	assert.Equal(t, service.MediaFireProvider, result.Record.Provider)
	assert.Contains(t, result.Record.DownloadLink, "MediaFire.example.com")

	// Links for the bound asset come from the provider that holds it.
	f.drive.SetUploadError(nil)
	again := f.fulfill(testutil.GetFulfillmentRequest(1))
	require.True(t, again.Delivered(), again.ErrorMessage())
	assert.Equal(t, service.MediaFireProvider, again.Record.Provider)
	assert.Equal(t, 0, f.drive.Calls("link"))
	assert.Equal(t, 2, f.mediafire.Calls("link"))
}

func TestAllProvidersFailRestoresStock(t *testing.T) {
	f := newFixture(t, 4)
	f.drive.SetUploadError(errors.New("drive returned 500"))
	f.mediafire.SetUploadError(errors.New("mediafire returned 500"))
	req := testutil.GetFulfillmentRequest(3)
	result := f.fulfill(req)
	assert.True(t, result.Failed())
	assert.Equal(t, constants.ReasonStorageUnavailable, result.Reason)
	assert.True(t, result.Retryable())
	assert.NotNil(t, result.Err)
	assert.True(t, errors.Is(result.Err, storage.ErrUploadFailed))
	assert.Equal(t, constants.BuyerFailureMessage, result.BuyerMessage())
	assert.EqualValues(t, 4, f.stock(t))

	record, err := f.records.FulfillmentRecordGet(req.OrderLineID)
	require.Nil(t, err)
	assert.Nil(t, record)
	asset, err := f.records.ActiveAssetGet(testutil.ProductID)
	require.Nil(t, err)
	assert.Nil(t, asset)

	// The staged file survives so a retry can upload it.
	exists, err := f.staging.Exists(context.Background(), testutil.ProductID)
	require.Nil(t, err)
	assert.True(t, exists)

	f.drive.SetUploadError(nil)
	retry := f.fulfill(req)
	require.True(t, retry.Delivered(), retry.ErrorMessage())
	assert.False(t, retry.Replayed)
	assert.EqualValues(t, 1, f.stock(t))
}

func TestLinkFailureRestoresStock(t *testing.T) {
	f := newFixture(t, 2)
	f.drive.SetLinkError(errors.New("drive returned 502"))
	result := f.fulfill(testutil.GetFulfillmentRequest(1))
	assert.True(t, result.Failed())
	assert.Equal(t, constants.ReasonStorageUnavailable, result.Reason)
	assert.EqualValues(t, 2, f.stock(t))

	// The asset stays bound; the next attempt only needs a link.
	asset, err := f.records.ActiveAssetGet(testutil.ProductID)
	require.Nil(t, err)
	assert.NotNil(t, asset)
}

func TestTwoUnitScenario(t *testing.T) {
	f := newFixture(t, 2)
	a := f.fulfill(testutil.GetFulfillmentRequest(1))
	require.True(t, a.Delivered(), a.ErrorMessage())
	assert.Equal(t, 1, f.drive.Calls("upload"))

	b := f.fulfill(testutil.GetFulfillmentRequest(1))
	require.True(t, b.Delivered(), b.ErrorMessage())
	assert.Equal(t, 1, f.drive.Calls("upload"))
	assert.Equal(t, a.Record.AssetID, b.Record.AssetID)

	c := f.fulfill(testutil.GetFulfillmentRequest(1))
	assert.True(t, c.Failed())
	assert.Equal(t, constants.ReasonOutOfStock, c.Reason)
	assert.EqualValues(t, 0, f.stock(t))
	assert.Equal(t, 1, f.drive.Calls("upload"))
}

func TestConcurrentFirstSalesShareOneUpload(t *testing.T) {
	f := newFixture(t, 10)
	f.drive.SetUploadDelay(100 * time.Millisecond)
	results := make([]*service.FulfillmentResult, 5)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.fulfill(testutil.GetFulfillmentRequest(1))
		}(i)
	}
	wg.Wait()
	for _, result := range results {
		require.True(t, result.Delivered(), result.ErrorMessage())
		assert.Equal(t, results[0].Record.AssetID, result.Record.AssetID)
	}
	assert.Equal(t, 1, f.drive.Calls("upload"))
	assert.Equal(t, 1, f.drive.FileCount())
	assert.Equal(t, 1, f.staging.Gets())
	assert.EqualValues(t, 5, f.stock(t))
}

func TestDuplicateRequestsCollapse(t *testing.T) {
	f := newFixture(t, 10)
	f.drive.SetUploadDelay(50 * time.Millisecond)
	req := testutil.GetFulfillmentRequest(1)
	results := make([]*service.FulfillmentResult, 6)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			copied := *req
			results[i] = f.fulfill(&copied)
		}(i)
	}
	wg.Wait()
	for _, result := range results {
		require.True(t, result.Delivered(), result.ErrorMessage())
		assert.Equal(t, results[0].Record.DownloadLink, result.Record.DownloadLink)
	}
	assert.EqualValues(t, 9, f.stock(t))
	assert.Equal(t, 1, f.drive.Calls("upload"))
}

func TestRecordSavedElsewhereWins(t *testing.T) {
	f := newFixture(t, 3)
	req := testutil.GetFulfillmentRequest(1)
	asset := testutil.GetStoredAsset(service.DriveProvider)
	existing := testutil.GetFulfillmentRecord(req, asset)

	// Simulate another process saving between lookup and save by
	// using a record store that reports the lookup as empty.
	racing := &racingRecords{RedisClient: f.records}
	_, won, err := f.records.FulfillmentRecordSaveIfAbsent(existing)
	require.Nil(t, err)
	require.True(t, won)

	log, _ := logger.InitLogger("", logging.DEBUG)
	manager := credentials.NewManager(log)
	manager.Register(service.DriveProvider, f.driveAuth)
	gateway := storage.NewGateway(manager, log, []service.StorageProvider{service.DriveProvider}, f.drive)
	orchestrator := fulfillment.NewOrchestrator(f.ledger, gateway, f.records, racing, f.staging, log)

	result := orchestrator.Fulfill(context.Background(), req)
	require.True(t, result.Delivered(), result.ErrorMessage())
	assert.True(t, result.Replayed)
	assert.Equal(t, existing.DownloadLink, result.Record.DownloadLink)
	assert.EqualValues(t, 3, f.stock(t))
}

type racingRecords struct {
	*network.RedisClient
}

func (r *racingRecords) FulfillmentRecordGet(string) (*service.FulfillmentRecord, error) {
	return nil, nil
}

func TestInvalidRequestMutatesNothing(t *testing.T) {
	f := newFixture(t, 3)
	for _, req := range []*service.FulfillmentRequest{
		{OrderLineID: "", ProductID: testutil.ProductID, Quantity: 1},
		{OrderLineID: "line-1", ProductID: "", Quantity: 1},
		{OrderLineID: "line-1", ProductID: testutil.ProductID, Quantity: 0},
	} {
		result := f.fulfill(req)
		assert.True(t, result.Failed())
		assert.Equal(t, constants.ReasonInvalidRequest, result.Reason)
		assert.False(t, result.Retryable())
	}
	assert.EqualValues(t, 0, f.ledger.calls())
	assert.Equal(t, 0, f.drive.TotalCalls())
	assert.EqualValues(t, 3, f.stock(t))
}

func TestUnknownProductIsOutOfStock(t *testing.T) {
	f := newFixture(t, 3)
	req := testutil.GetFulfillmentRequest(1)
	req.ProductID = "prod-finnegans-wake"
	result := f.fulfill(req)
	assert.Equal(t, constants.ReasonOutOfStock, result.Reason)
	assert.Equal(t, 0, f.drive.TotalCalls())
}

func TestMissingStagedFile(t *testing.T) {
	f := newFixture(t, 3)
	require.Nil(t, f.staging.Delete(context.Background(), testutil.ProductID))
	result := f.fulfill(testutil.GetFulfillmentRequest(1))
	assert.True(t, result.Failed())
	assert.Equal(t, constants.ReasonStorageUnavailable, result.Reason)
	assert.EqualValues(t, 3, f.stock(t))
	assert.Equal(t, 0, f.drive.TotalCalls())
}

func TestRecordStoreDown(t *testing.T) {
	f := newFixture(t, 3)
	f.redis.Close()
	result := f.fulfill(testutil.GetFulfillmentRequest(1))
	assert.True(t, result.Failed())
	assert.Equal(t, constants.ReasonRecordUnavailable, result.Reason)
	assert.True(t, result.Retryable())
	assert.EqualValues(t, 3, f.stock(t))
}

func TestCompensationFailureStillFails(t *testing.T) {
	f := newFixture(t, 3)
	f.ledger.incrementErr = errors.New("ledger offline")
	f.drive.SetUploadError(errors.New("drive returned 500"))
	f.mediafire.SetUploadError(errors.New("mediafire returned 500"))
	result := f.fulfill(testutil.GetFulfillmentRequest(1))
	assert.True(t, result.Failed())
	assert.Equal(t, constants.ReasonStorageUnavailable, result.Reason)
	assert.EqualValues(t, 1, atomic.LoadInt32(&f.ledger.increments))
	assert.EqualValues(t, 2, f.stock(t))
}

func TestExpiredCredentialNeverPresented(t *testing.T) {
	f := newFixture(t, 3)
	f.drive.SetUploadError(errors.New("drive returned 503"))
	first := f.fulfill(testutil.GetFulfillmentRequest(1))
	require.True(t, first.Delivered(), first.ErrorMessage())
	require.Equal(t, service.MediaFireProvider, first.Record.Provider)

	f.clock.Advance(constants.SessionTokenLifetime + time.Minute)
	second := f.fulfill(testutil.GetFulfillmentRequest(1))
	require.True(t, second.Delivered(), second.ErrorMessage())
	assert.Equal(t, 2, f.mfAuth.Issued())

	expired := f.mfAuth.TokenNumber(1)
	tokens := f.mediafire.Tokens()
	assert.Equal(t, f.mfAuth.TokenNumber(2), tokens[len(tokens)-1])
	// The first token was only used before the clock moved.
	used := 0
	for _, token := range tokens {
		if token == expired {
			used++
		}
	}
	assert.Equal(t, 2, used)
}

// withCatalog returns an orchestrator over f's stores that uses catalog
// for asset binding and Drive as its only provider.
func (f *fixture) withCatalog(catalog fulfillment.AssetCatalog) *fulfillment.Orchestrator {
	log, _ := logger.InitLogger("", logging.DEBUG)
	manager := credentials.NewManager(log)
	manager.Register(service.DriveProvider, f.driveAuth)
	gateway := storage.NewGateway(manager, log, []service.StorageProvider{service.DriveProvider}, f.drive)
	return fulfillment.NewOrchestrator(f.ledger, gateway, catalog, f.records, f.staging, log)
}

// lateErrorCatalog binds for real and then reports a failure, as a
// dropped connection after the write would.
type lateErrorCatalog struct {
	*network.RedisClient
}

func (c *lateErrorCatalog) ActiveAssetBind(asset *service.StoredAsset) (*service.StoredAsset, bool, error) {
	bound, won, _ := c.RedisClient.ActiveAssetBind(asset)
	return bound, won, errors.New("connection reset after write")
}

// failedBindCatalog reports a failure without binding anything.
type failedBindCatalog struct {
	*network.RedisClient
}

func (c *failedBindCatalog) ActiveAssetBind(asset *service.StoredAsset) (*service.StoredAsset, bool, error) {
	return nil, false, errors.New("connection refused")
}

// vanishedWinnerCatalog reports a lost bind whose winner has already
// been revoked.
type vanishedWinnerCatalog struct {
	*network.RedisClient
}

func (c *vanishedWinnerCatalog) ActiveAssetBind(asset *service.StoredAsset) (*service.StoredAsset, bool, error) {
	return nil, false, nil
}

func TestBindErrorAfterWriteKeepsAsset(t *testing.T) {
	f := newFixture(t, 3)
	orchestrator := f.withCatalog(&lateErrorCatalog{RedisClient: f.records})

	first := orchestrator.Fulfill(context.Background(), testutil.GetFulfillmentRequest(1))
	require.True(t, first.Delivered(), first.ErrorMessage())
	active, err := f.records.ActiveAssetGet(testutil.ProductID)
	require.Nil(t, err)
	require.NotNil(t, active)
	assert.Equal(t, active.ID, first.Record.AssetID)
	assert.True(t, f.drive.Has(active.ExternalID))

	second := f.fulfill(testutil.GetFulfillmentRequest(1))
	require.True(t, second.Delivered(), second.ErrorMessage())
	assert.Equal(t, first.Record.DownloadLink, second.Record.DownloadLink)
	assert.EqualValues(t, 1, f.stock(t))
}

func TestBindErrorWithoutWriteDiscardsUpload(t *testing.T) {
	f := newFixture(t, 3)
	orchestrator := f.withCatalog(&failedBindCatalog{RedisClient: f.records})

	result := orchestrator.Fulfill(context.Background(), testutil.GetFulfillmentRequest(1))
	assert.True(t, result.Failed())
	assert.Equal(t, constants.ReasonRecordUnavailable, result.Reason)
	assert.Equal(t, 0, f.drive.FileCount())
	assert.EqualValues(t, 3, f.stock(t))
}

func TestBindLostToRevokedAssetFails(t *testing.T) {
	f := newFixture(t, 3)
	orchestrator := f.withCatalog(&vanishedWinnerCatalog{RedisClient: f.records})

	var result *service.FulfillmentResult
	assert.NotPanics(t, func() {
		result = orchestrator.Fulfill(context.Background(), testutil.GetFulfillmentRequest(1))
	})
	require.NotNil(t, result)
	assert.True(t, result.Failed())
	assert.Equal(t, constants.ReasonRecordUnavailable, result.Reason)
	assert.Equal(t, 0, f.drive.FileCount())
	assert.EqualValues(t, 3, f.stock(t))
}
