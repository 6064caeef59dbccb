package workers

import (
	"encoding/json"
	"time"

	"github.com/digitalgoods/fulfillment-services/constants"
)

// Settings contains settings for a fulfillment worker.
type Settings struct {
	// ChannelBufferSize is the size of the buffer for the
	// ProcessChannel, SuccessChannel, ErrorChannel,
	// and FatalErrorChannel. It is also the NSQ max_in_flight.
	ChannelBufferSize int

	// MaxAttempts is the maximum number of times the worker should
	// attempt an order line before giving up. Note that this applies
	// only to attempts that fail from retryable (infrastructure)
	// errors. Out-of-stock and invalid requests are never retried.
	MaxAttempts int

	// NSQChannel is the NSQ channel the worker should subscribe
	// to to receive messages.
	NSQChannel string

	// NSQTopic is the NSQ topic the worker should subscribe
	// to to receive messages.
	NSQTopic string

	// NumberOfWorkers is the number of go routines that fulfill
	// order lines concurrently.
	NumberOfWorkers int

	// RequeueTimeout describes how long of a timeout to set
	// on the NSQ requeue after an item fails with retryable
	// errors.
	RequeueTimeout time.Duration

	// TouchInterval is how often an in-process message is touched so
	// nsqd does not hand it to another worker during a slow upload.
	TouchInterval time.Duration
}

// DefaultSettings returns the settings the fulfillment worker runs
// with unless overridden on the command line.
func DefaultSettings() *Settings {
	return &Settings{
		ChannelBufferSize: 20,
		MaxAttempts:       5,
		NSQChannel:        constants.ChannelFulfillmentWorker,
		NSQTopic:          constants.TopicFulfillmentRequested,
		NumberOfWorkers:   4,
		RequeueTimeout:    1 * time.Minute,
		TouchInterval:     30 * time.Second,
	}
}

func (settings *Settings) ToJSON() string {
	data, _ := json.Marshal(settings)
	return string(data)
}
