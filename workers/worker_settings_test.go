package workers_test

import (
	"testing"
	"time"

	"github.com/digitalgoods/fulfillment-services/constants"
	"github.com/digitalgoods/fulfillment-services/workers"
	"github.com/stretchr/testify/assert"
)

func TestToJSON(t *testing.T) {
	settings := &workers.Settings{
		ChannelBufferSize: 20,
		MaxAttempts:       3,
		NSQChannel:        constants.ChannelFulfillmentWorker,
		NSQTopic:          constants.TopicFulfillmentRequested,
		NumberOfWorkers:   2,
		RequeueTimeout:    (1 * time.Minute),
		TouchInterval:     (30 * time.Second),
	}
	assert.Equal(t, expectedJSON, settings.ToJSON())
}

func TestDefaultSettings(t *testing.T) {
	settings := workers.DefaultSettings()
	assert.Equal(t, constants.TopicFulfillmentRequested, settings.NSQTopic)
	assert.Equal(t, constants.ChannelFulfillmentWorker, settings.NSQChannel)
	assert.True(t, settings.MaxAttempts > 1)
	assert.True(t, settings.TouchInterval > 0)
}

var expectedJSON = `{"ChannelBufferSize":20,"MaxAttempts":3,"NSQChannel":"fulfillment_worker","NSQTopic":"fulfillment_requested","NumberOfWorkers":2,"RequeueTimeout":60000000000,"TouchInterval":30000000000}`
