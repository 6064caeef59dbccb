package network

import (
	"fmt"
	"strings"

	"github.com/digitalgoods/fulfillment-services/models/service"
	"github.com/go-redis/redis/v7"
)

// Redis key layout:
//
//	product:{productID}    hash, field "asset:active" holds the active
//	                       StoredAsset, field "asset:{assetID}" holds every
//	                       asset ever bound, tombstoned or not
//	fulfillment:{lineID}   FulfillmentRecord JSON, written once
//	refund:{lineID}        RefundRecord JSON, written once
//	stock:{productID}      integer stock counter
const activeAssetField = "asset:active"

// stockDecrementScript decrements a stock counter only if it holds at
// least the requested quantity. It returns the remaining stock, or -1
// if there was not enough. A missing key counts as zero stock.
var stockDecrementScript = redis.NewScript(`
local stock = tonumber(redis.call('GET', KEYS[1]) or '0')
local qty = tonumber(ARGV[1])
if stock < qty then
  return -1
end
return redis.call('DECRBY', KEYS[1], qty)
`)

// stockIncrementScript adds to a stock counter and returns the new value.
var stockIncrementScript = redis.NewScript(`
return redis.call('INCRBY', KEYS[1], tonumber(ARGV[1]))
`)

// assetBindScript sets the active asset field only if it is empty and,
// when it does, records the asset in the product's history in the same
// step. It returns {1, asset} on success or {0, activeAsset} when the
// product already has one.
var assetBindScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[3]) == 1 then
  redis.call('HSET', KEYS[1], ARGV[2], ARGV[3])
  return {1, ARGV[3]}
end
return {0, redis.call('HGET', KEYS[1], ARGV[1])}
`)

type RedisClient struct {
	client *redis.Client
}

func NewRedisClient(address, password string, db int) *RedisClient {
	return &RedisClient{
		client: redis.NewClient(&redis.Options{
			Addr:     address,
			Password: password,
			DB:       db,
		}),
	}
}

func (c *RedisClient) Ping() (string, error) {
	return c.client.Ping().Result()
}

func (c *RedisClient) Close() error {
	return c.client.Close()
}

func productKey(productID string) string {
	return fmt.Sprintf("product:%s", productID)
}

func assetField(assetID string) string {
	return fmt.Sprintf("asset:%s", assetID)
}

func fulfillmentKey(orderLineID string) string {
	return fmt.Sprintf("fulfillment:%s", orderLineID)
}

func refundKey(orderLineID string) string {
	return fmt.Sprintf("refund:%s", orderLineID)
}

func stockKey(productID string) string {
	return fmt.Sprintf("stock:%s", productID)
}

// ActiveAssetGet returns the active asset for productID, or nil if the
// product has none.
func (c *RedisClient) ActiveAssetGet(productID string) (*service.StoredAsset, error) {
	data, err := c.client.HGet(productKey(productID), activeAssetField).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ActiveAssetGet (%s): %s", productID, err.Error())
	}
	return service.StoredAssetFromJSON(data)
}

// ActiveAssetBind makes asset the active asset for its product, but
// only if the product has no active asset. It returns the asset that is
// active afterward and true if that is the one passed in. When another
// writer got there first, the caller's asset is unbound and should be
// deleted from its provider.
func (c *RedisClient) ActiveAssetBind(asset *service.StoredAsset) (*service.StoredAsset, bool, error) {
	jsonData, err := asset.ToJSON()
	if err != nil {
		return nil, false, err
	}
	key := productKey(asset.ProductID)
	reply, err := assetBindScript.Run(c.client, []string{key},
		activeAssetField, assetField(asset.ID), jsonData).Result()
	if err != nil {
		return nil, false, fmt.Errorf("ActiveAssetBind (%s): %s", asset.ProductID, err.Error())
	}
	values, ok := reply.([]interface{})
	if !ok || len(values) != 2 {
		return nil, false, fmt.Errorf("ActiveAssetBind (%s): unexpected reply %v", asset.ProductID, reply)
	}
	if won, _ := values[0].(int64); won == 1 {
		return asset, true, nil
	}
	data, _ := values[1].(string)
	existing, err := service.StoredAssetFromJSON(data)
	if err != nil {
		return nil, false, fmt.Errorf("ActiveAssetBind (%s): %s", asset.ProductID, err.Error())
	}
	return existing, false, nil
}

// ActiveAssetReplace binds asset as the active asset for its product and
// tombstones the asset it replaces, in one transaction. It returns the
// tombstoned asset, or nil if the product had no active asset.
func (c *RedisClient) ActiveAssetReplace(asset *service.StoredAsset) (*service.StoredAsset, error) {
	newJSON, err := asset.ToJSON()
	if err != nil {
		return nil, err
	}
	key := productKey(asset.ProductID)
	var replaced *service.StoredAsset
	txf := func(tx *redis.Tx) error {
		replaced = nil
		data, err := tx.HGet(key, activeAssetField).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		fields := map[string]interface{}{
			activeAssetField:     newJSON,
			assetField(asset.ID): newJSON,
		}
		if err == nil {
			replaced, err = service.StoredAssetFromJSON(data)
			if err != nil {
				return err
			}
			replaced.Tombstone()
			oldJSON, err := replaced.ToJSON()
			if err != nil {
				return err
			}
			fields[assetField(replaced.ID)] = oldJSON
		}
		_, err = tx.TxPipelined(func(pipe redis.Pipeliner) error {
			pipe.HSet(key, fields)
			return nil
		})
		return err
	}
	for attempt := 0; attempt < 5; attempt++ {
		err = c.client.Watch(txf, key)
		if err != redis.TxFailedErr {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("ActiveAssetReplace (%s): %s", asset.ProductID, err.Error())
	}
	return replaced, nil
}

// ActiveAssetTombstone unbinds the active asset for productID and keeps
// a tombstoned copy in the product's history. It returns the
// tombstoned asset, or nil if the product had no active asset.
func (c *RedisClient) ActiveAssetTombstone(productID string) (*service.StoredAsset, error) {
	key := productKey(productID)
	var tombstoned *service.StoredAsset
	txf := func(tx *redis.Tx) error {
		tombstoned = nil
		data, err := tx.HGet(key, activeAssetField).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		tombstoned, err = service.StoredAssetFromJSON(data)
		if err != nil {
			return err
		}
		tombstoned.Tombstone()
		oldJSON, err := tombstoned.ToJSON()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(func(pipe redis.Pipeliner) error {
			pipe.HDel(key, activeAssetField)
			pipe.HSet(key, assetField(tombstoned.ID), oldJSON)
			return nil
		})
		return err
	}
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		err = c.client.Watch(txf, key)
		if err != redis.TxFailedErr {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("ActiveAssetTombstone (%s): %s", productID, err.Error())
	}
	return tombstoned, nil
}

// AssetHistory returns every asset ever bound to productID, including
// tombstoned ones, in no particular order.
func (c *RedisClient) AssetHistory(productID string) ([]*service.StoredAsset, error) {
	fields, err := c.client.HGetAll(productKey(productID)).Result()
	if err != nil {
		return nil, fmt.Errorf("AssetHistory (%s): %s", productID, err.Error())
	}
	assets := make([]*service.StoredAsset, 0, len(fields))
	for field, data := range fields {
		if field == activeAssetField || !strings.HasPrefix(field, "asset:") {
			continue
		}
		asset, err := service.StoredAssetFromJSON(data)
		if err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	return assets, nil
}

// FulfillmentRecordGet returns the record for orderLineID, or nil if the
// order line has not been delivered.
func (c *RedisClient) FulfillmentRecordGet(orderLineID string) (*service.FulfillmentRecord, error) {
	data, err := c.client.Get(fulfillmentKey(orderLineID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("FulfillmentRecordGet (%s): %s", orderLineID, err.Error())
	}
	return service.FulfillmentRecordFromJSON(data)
}

// FulfillmentRecordSaveIfAbsent writes record unless a record for the
// same order line already exists. It returns the stored record and true
// if that is the one passed in.
func (c *RedisClient) FulfillmentRecordSaveIfAbsent(record *service.FulfillmentRecord) (*service.FulfillmentRecord, bool, error) {
	jsonData, err := record.ToJSON()
	if err != nil {
		return nil, false, err
	}
	saved, err := c.client.SetNX(fulfillmentKey(record.OrderLineID), jsonData, 0).Result()
	if err != nil {
		return nil, false, fmt.Errorf("FulfillmentRecordSaveIfAbsent (%s): %s", record.OrderLineID, err.Error())
	}
	if saved {
		return record, true, nil
	}
	existing, err := c.FulfillmentRecordGet(record.OrderLineID)
	return existing, false, err
}

// RefundRecordGet returns the refund record for orderLineID, or nil if
// the order line has not been refunded.
func (c *RedisClient) RefundRecordGet(orderLineID string) (*service.RefundRecord, error) {
	data, err := c.client.Get(refundKey(orderLineID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("RefundRecordGet (%s): %s", orderLineID, err.Error())
	}
	return service.RefundRecordFromJSON(data)
}

// RefundRecordSaveIfAbsent writes record unless the order line was
// already refunded. It returns the stored record and true if that is
// the one passed in.
func (c *RedisClient) RefundRecordSaveIfAbsent(record *service.RefundRecord) (*service.RefundRecord, bool, error) {
	jsonData, err := record.ToJSON()
	if err != nil {
		return nil, false, err
	}
	saved, err := c.client.SetNX(refundKey(record.OrderLineID), jsonData, 0).Result()
	if err != nil {
		return nil, false, fmt.Errorf("RefundRecordSaveIfAbsent (%s): %s", record.OrderLineID, err.Error())
	}
	if saved {
		return record, true, nil
	}
	existing, err := c.RefundRecordGet(record.OrderLineID)
	return existing, false, err
}

// RefundRecordUpdate overwrites an existing refund record. This is used
// only to attach the asset deletion outcome after the refund is claimed.
func (c *RedisClient) RefundRecordUpdate(record *service.RefundRecord) error {
	jsonData, err := record.ToJSON()
	if err != nil {
		return err
	}
	_, err = c.client.Set(refundKey(record.OrderLineID), jsonData, 0).Result()
	return err
}

// StockTryDecrement atomically subtracts qty from the product's stock if
// at least qty units remain. It returns false, and changes nothing, if
// there are not enough.
func (c *RedisClient) StockTryDecrement(productID string, qty int64) (bool, error) {
	remaining, err := stockDecrementScript.Run(c.client, []string{stockKey(productID)}, qty).Int64()
	if err != nil {
		return false, fmt.Errorf("StockTryDecrement (%s): %s", productID, err.Error())
	}
	return remaining >= 0, nil
}

// StockIncrement adds qty to the product's stock and returns the new
// value.
func (c *RedisClient) StockIncrement(productID string, qty int64) (int64, error) {
	stock, err := stockIncrementScript.Run(c.client, []string{stockKey(productID)}, qty).Int64()
	if err != nil {
		return 0, fmt.Errorf("StockIncrement (%s): %s", productID, err.Error())
	}
	return stock, nil
}

// StockGet returns the product's stock. A product with no counter has
// zero stock.
func (c *RedisClient) StockGet(productID string) (int64, error) {
	stock, err := c.client.Get(stockKey(productID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("StockGet (%s): %s", productID, err.Error())
	}
	return stock, nil
}

// StockSet overwrites the product's stock. This is for seeding and
// restocking, not for sales.
func (c *RedisClient) StockSet(productID string, stock int64) error {
	return c.client.Set(stockKey(productID), stock, 0).Err()
}
