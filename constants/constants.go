package constants

import "time"

const (
	ProviderDrive     = "Drive"
	ProviderMediaFire = "MediaFire"

	StatePending   = "Pending"
	StateReserving = "Reserving"
	StateUploading = "Uploading"
	StateDelivered = "Delivered"
	StateFailed    = "Failed"

	ReasonInvalidRequest     = "InvalidRequest"
	ReasonOutOfStock         = "OutOfStock"
	ReasonRecordUnavailable  = "RecordUnavailable"
	ReasonStorageUnavailable = "StorageUnavailable"

	DeleteDeleted  = "deleted"
	DeleteNotFound = "not-found"
	DeleteFailed   = "failed"

	LedgerMemory   = "memory"
	LedgerPostgres = "postgres"
	LedgerRedis    = "redis"

	FormatJSON = "json"
	FormatXML  = "xml"
)

var LedgerBackends = []string{
	LedgerMemory,
	LedgerPostgres,
	LedgerRedis,
}

// SessionTokenLifetime is how long a MediaFire session token is
// considered valid after issuance. The service does not report an
// expiry of its own.
const SessionTokenLifetime = 12 * time.Hour

// DefaultSafetyMargin is how far ahead of its expiry a cached
// credential is renewed.
const DefaultSafetyMargin = 5 * time.Minute

// DefaultProviderTimeout bounds every remote provider call.
const DefaultProviderTimeout = 30 * time.Second

// BuyerFailureMessage is the only failure text a buyer ever sees.
const BuyerFailureMessage = "Fulfillment pending or failed. Please contact support."

// Providers is the default provider selection order: Drive first,
// MediaFire as fallback.
var Providers = []string{
	ProviderDrive,
	ProviderMediaFire,
}

var FulfillmentStates = []string{
	StatePending,
	StateReserving,
	StateUploading,
	StateDelivered,
	StateFailed,
}

var FailureReasons = []string{
	ReasonInvalidRequest,
	ReasonOutOfStock,
	ReasonRecordUnavailable,
	ReasonStorageUnavailable,
}
