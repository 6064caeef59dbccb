// Package app wires configuration, clients and services into the
// Context every fulfillment process runs with.
package app

import (
	"context"
	"fmt"

	"github.com/digitalgoods/fulfillment-services/admin"
	"github.com/digitalgoods/fulfillment-services/constants"
	"github.com/digitalgoods/fulfillment-services/credentials"
	"github.com/digitalgoods/fulfillment-services/fulfillment"
	"github.com/digitalgoods/fulfillment-services/ledger"
	"github.com/digitalgoods/fulfillment-services/models/common"
	"github.com/digitalgoods/fulfillment-services/models/service"
	"github.com/digitalgoods/fulfillment-services/network"
	"github.com/digitalgoods/fulfillment-services/network/drive"
	"github.com/digitalgoods/fulfillment-services/network/mediafire"
	"github.com/digitalgoods/fulfillment-services/storage"
	"github.com/digitalgoods/fulfillment-services/util/logger"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/op/go-logging"
	"github.com/prometheus/client_golang/prometheus"
)

type Context struct {
	Config       *common.Config
	Logger       *logging.Logger
	NSQClient    *network.NSQClient
	RedisClient  *network.RedisClient
	Staging      *network.StagingClient
	Credentials  *credentials.Manager
	Gateway      *storage.Gateway
	Ledger       ledger.Ledger
	Orchestrator *fulfillment.Orchestrator
	Admin        *admin.Manager

	pgPool *pgxpool.Pool
}

// NewContext loads the config named by FULFILLMENT_CONFIG_DIR and
// FULFILLMENT_CONFIG and builds a Context from it, registering metrics
// with the default Prometheus registry. It panics on failure, since no
// process can run without one.
func NewContext() *Context {
	config := common.NewConfig()
	c, err := NewContextFromConfig(config, prometheus.DefaultRegisterer)
	if err != nil {
		panic(fmt.Sprintf("Could not initialize context: %v", err))
	}
	return c
}

// NewContextFromConfig builds a Context from config. Providers whose
// secrets are missing are left out with a warning.
func NewContextFromConfig(config *common.Config, reg prometheus.Registerer) (*Context, error) {
	_logger, _ := logger.InitLogger(config.LogDir, config.LogLevel)
	c := &Context{
		Config:      config,
		Logger:      _logger,
		NSQClient:   network.NewNSQClient(config.NsqURL),
		RedisClient: network.NewRedisClient(config.RedisURL, config.RedisPassword, config.RedisDefaultDB),
	}
	staging, err := network.NewStagingClient(
		config.Staging.Host,
		config.Staging.KeyID,
		config.Staging.SecretKey,
		config.Staging.Bucket,
		config.Staging.UseSSL)
	if err != nil {
		return nil, fmt.Errorf("staging client: %w", err)
	}
	staging.Logger = _logger
	c.Staging = staging

	c.Credentials = credentials.NewManager(_logger,
		credentials.WithSafetyMargin(config.CredentialSafetyMargin),
		credentials.WithAuthTimeout(config.ProviderTimeout))
	providers := c.initProviders()

	storageObserver, err := storage.NewPrometheusObserver(config.MetricsNamespace, reg)
	if err != nil {
		return nil, err
	}
	c.Gateway = storage.NewGateway(c.Credentials, _logger, config.ProviderOrder, providers...).
		WithTimeout(config.ProviderTimeout).
		WithObserver(storageObserver)
	if len(c.Gateway.Providers()) == 0 {
		_logger.Warning("No storage provider is enabled. First sales will fail until one is configured.")
	}

	if err := c.initLedger(); err != nil {
		return nil, err
	}

	outcomeObserver, err := fulfillment.NewPrometheusObserver(config.MetricsNamespace, reg)
	if err != nil {
		return nil, err
	}
	c.Orchestrator = fulfillment.NewOrchestrator(c.Ledger, c.Gateway, c.RedisClient, c.RedisClient, c.Staging, _logger).
		WithObserver(outcomeObserver)
	c.Admin = admin.NewManager(c.Gateway, c.RedisClient, c.RedisClient, c.Staging, c.Ledger, _logger)
	return c, nil
}

// initProviders builds a client for each provider in the configured
// order and registers it with the credential manager.
func (c *Context) initProviders() []storage.Provider {
	for _, name := range c.Config.ProviderOrder {
		if !c.Config.ProviderConfigured(name) {
			c.Logger.Warningf("Storage provider %s is disabled: its credentials are incomplete", name)
		}
	}
	enabled := c.Config.EnabledProviders()
	providers := make([]storage.Provider, 0, len(enabled))
	for _, name := range enabled {
		switch name {
		case service.DriveProvider:
			client := drive.NewClient(c.Config.Drive, c.Logger)
			c.Credentials.Register(name, client)
			providers = append(providers, client)
		case service.MediaFireProvider:
			client := mediafire.NewClient(c.Config.MediaFire, c.Logger).
				WithPolling(c.Config.UploadPollAttempts, -1)
			c.Credentials.Register(name, client)
			providers = append(providers, client)
		}
		c.Logger.Infof("Storage provider %s is enabled", name)
	}
	return providers
}

func (c *Context) initLedger() error {
	switch c.Config.LedgerBackend {
	case constants.LedgerMemory:
		c.Logger.Warning("Using the in-memory stock ledger. Stock is not shared between processes or kept across restarts.")
		c.Ledger = ledger.NewMemoryLedger()
	case constants.LedgerPostgres:
		pool, err := ledger.ConnectPostgres(context.Background(), c.Config.DatabaseURL)
		if err != nil {
			return fmt.Errorf("stock ledger: %w", err)
		}
		c.pgPool = pool
		c.Ledger = ledger.NewPostgresLedger(pool)
	default:
		c.Ledger = ledger.NewRedisLedger(c.RedisClient)
	}
	c.Logger.Infof("Stock ledger backend is %s", c.Config.LedgerBackend)
	return nil
}

// Close releases the Redis and Postgres connections.
func (c *Context) Close() {
	if c.pgPool != nil {
		c.pgPool.Close()
	}
	if c.RedisClient != nil {
		c.RedisClient.Close()
	}
}
