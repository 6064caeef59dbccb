package service

import (
	"encoding/json"
	"time"
)

// RefundRecord is written once per refunded order line so that a
// repeated refund action does not restore stock twice.
type RefundRecord struct {
	OrderLineID   string        `json:"order_line_id"`
	ProductID     string        `json:"product_id"`
	Quantity      int64         `json:"quantity"`
	RestoredStock bool          `json:"restored_stock"`
	AssetDelete   *DeleteResult `json:"asset_delete,omitempty"`
	RefundedAt    time.Time     `json:"refunded_at"`
}

func RefundRecordFromJSON(data string) (*RefundRecord, error) {
	record := &RefundRecord{}
	err := json.Unmarshal([]byte(data), record)
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (r *RefundRecord) ToJSON() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
