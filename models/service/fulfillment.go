package service

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/digitalgoods/fulfillment-services/constants"
)

// FulfillmentRequest asks for a paid order line to be delivered. It is
// created when payment is confirmed. OrderLineID is the idempotency key.
type FulfillmentRequest struct {
	OrderLineID string `json:"order_line_id"`
	ProductID   string `json:"product_id"`
	Quantity    int64  `json:"quantity"`
}

// Validate returns an error describing the first problem with the
// request, or nil if the request can be processed.
func (r *FulfillmentRequest) Validate() error {
	if strings.TrimSpace(r.OrderLineID) == "" {
		return fmt.Errorf("order line id is required")
	}
	if strings.TrimSpace(r.ProductID) == "" {
		return fmt.Errorf("product id is required for order line %s", r.OrderLineID)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("order line %s has invalid quantity %d", r.OrderLineID, r.Quantity)
	}
	return nil
}

func FulfillmentRequestFromJSON(data []byte) (*FulfillmentRequest, error) {
	req := &FulfillmentRequest{}
	err := json.Unmarshal(data, req)
	if err != nil {
		return nil, err
	}
	return req, nil
}

// FulfillmentRecord is the persisted outcome of a delivered order line.
// Records are written once and never modified.
type FulfillmentRecord struct {
	OrderLineID  string          `json:"order_line_id"`
	ProductID    string          `json:"product_id"`
	Quantity     int64           `json:"quantity"`
	Provider     StorageProvider `json:"provider"`
	AssetID      string          `json:"asset_id"`
	DownloadLink string          `json:"download_link"`
	DeliveredAt  time.Time       `json:"delivered_at"`
}

func FulfillmentRecordFromJSON(data string) (*FulfillmentRecord, error) {
	record := &FulfillmentRecord{}
	err := json.Unmarshal([]byte(data), record)
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (r *FulfillmentRecord) ToJSON() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FulfillmentResult describes where a FulfillmentRequest ended up.
// State is one of the constants.State* values and Reason, set only
// when State is Failed, is one of the constants.Reason* values. Err
// holds the internal cause and is for logs and admin tooling only.
type FulfillmentResult struct {
	OrderLineID string             `json:"order_line_id"`
	ProductID   string             `json:"product_id"`
	State       string             `json:"state"`
	Reason      string             `json:"reason,omitempty"`
	Record      *FulfillmentRecord `json:"record,omitempty"`
	Replayed    bool               `json:"replayed"`
	Err         error              `json:"-"`
}

// Delivered returns true if the order line was delivered.
func (r *FulfillmentResult) Delivered() bool {
	return r.State == constants.StateDelivered && r.Record != nil
}

// Failed returns true if the order line reached the Failed state.
func (r *FulfillmentResult) Failed() bool {
	return r.State == constants.StateFailed
}

// Retryable returns true if the request failed because storage or the
// record store was unavailable. Stock has been restored, so the same
// request can safely be tried again later.
func (r *FulfillmentResult) Retryable() bool {
	return r.Failed() &&
		(r.Reason == constants.ReasonStorageUnavailable || r.Reason == constants.ReasonRecordUnavailable)
}

// BuyerMessage returns the text that may be shown to a buyer: the
// download link once delivered, otherwise a generic support message.
// Internal error codes never appear here.
func (r *FulfillmentResult) BuyerMessage() string {
	if r.Delivered() {
		return r.Record.DownloadLink
	}
	return constants.BuyerFailureMessage
}

// ErrorMessage returns the internal error text, or an empty string.
func (r *FulfillmentResult) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// ToJSON serializes the result for the outcome topics. The internal
// error message is included for admin consumers.
func (r *FulfillmentResult) ToJSON() ([]byte, error) {
	return json.Marshal(struct {
		*FulfillmentResult
		Error string `json:"error,omitempty"`
	}{
		FulfillmentResult: r,
		Error:             r.ErrorMessage(),
	})
}
