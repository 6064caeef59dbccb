package workers

import (
	"sync"
	"time"

	"github.com/digitalgoods/fulfillment-services/models/service"
	"github.com/nsqio/go-nsq"
)

// Task encapsulates everything that a worker will need to
// pass from one channel to the next during procesing.
type Task struct {

	// NSQMessage is the NSQ message the worker is processing.
	NSQMessage *nsq.Message

	// Request is the order line decoded from the message body.
	Request *service.FulfillmentRequest

	// Result is what the orchestrator returned for Request. It is nil
	// until the task has been through the ProcessChannel.
	Result *service.FulfillmentResult

	nsqStopChannel chan bool
	stopOnce       sync.Once

	// For testing
	nsqStartCalled bool

	// For testing
	tickerStopped bool
}

// NSQStart creates a timer that touches the NSQ message every interval
// while the order line is in process. A first-sale upload of a large
// file can outlast nsqd's message timeout.
func (item *Task) NSQStart(interval time.Duration) {
	item.NSQMessage.DisableAutoResponse()
	ticker := time.NewTicker(interval)
	stopChannel := make(chan bool)
	go func() {
		for {
			select {
			case <-ticker.C:
				item.NSQMessage.Touch()
			case <-stopChannel:
				ticker.Stop()
				return
			}
		}
	}()
	item.nsqStartCalled = true
	item.nsqStopChannel = stopChannel
}

func (item *Task) stopTicker() {
	item.stopOnce.Do(func() {
		if item.nsqStopChannel != nil {
			item.nsqStopChannel <- true
		}
		item.tickerStopped = true
	})
}

// NSQRequeue requeues the message with the specified duration
// and stops sending touches.
func (item *Task) NSQRequeue(delay time.Duration) {
	item.stopTicker()
	item.NSQMessage.Requeue(delay)
}

// NSQFinish finishes the message and stops sending touches.
func (item *Task) NSQFinish() {
	item.stopTicker()
	item.NSQMessage.Finish()
}

// Attempts returns how many times nsqd has delivered this message,
// counting this delivery.
func (item *Task) Attempts() int {
	return int(item.NSQMessage.Attempts)
}

// StartCalled returns true if NSQStart() has been called on this object.
// This method exist for testing purposes.
func (item *Task) StartCalled() bool {
	return item.nsqStartCalled
}

// TickerStopped returns true if either NSQFinish() or NSQRequeue()
// has been called. This method exist for testing purposes.
func (item *Task) TickerStopped() bool {
	return item.tickerStopped
}
