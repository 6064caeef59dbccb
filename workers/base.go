package workers

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/digitalgoods/fulfillment-services/constants"
	"github.com/digitalgoods/fulfillment-services/models/service"
	"github.com/digitalgoods/fulfillment-services/network"
	"github.com/nsqio/go-nsq"
	"github.com/op/go-logging"
)

// Fulfiller turns an order line into a result. fulfillment.Orchestrator
// implements it.
type Fulfiller interface {
	Fulfill(ctx context.Context, req *service.FulfillmentRequest) *service.FulfillmentResult
}

// SigTermState contains info about whether the current worker
// received SIGTERM (or SIGINT), and if so, what action it took
// in response to the signal.
type SigTermState struct {
	// Received indicates whether this worker received SIGTERM
	// or SIGINT.
	Received bool
	// Completed indicates whether this worker completed all of
	// its SIGTERM cleanup tasks.
	Completed bool
	// ItemsInProcess is the number of order lines this worker was
	// working on when SIGTERM was received.
	ItemsInProcess int
}

// Base contains the fundamental structures common to all workers.
type Base struct {

	// Logger is the process logger.
	Logger *logging.Logger

	// Publisher posts outcomes to nsqd.
	Publisher network.NSQClientInterface

	// NsqLookupd is the address of nsqlookupd, host:port.
	NsqLookupd string

	// ItemsInProcess keeps track of order line ids that the worker is
	// currently processing. We need to do this because NSQ does not
	// dedupe messages, so the worker must.
	ItemsInProcess *service.RingList

	// ProcessChannel is where the work actually happens.
	ProcessChannel chan *Task

	// SuccessChannel publishes Delivered results and finishes
	// their messages.
	SuccessChannel chan *Task

	// ErrorChannel requeues results that failed for reasons that
	// may clear up on their own: a provider or a store was down.
	ErrorChannel chan *Task

	// FatalErrorChannel publishes Failed results that will not be
	// retried and finishes their messages.
	FatalErrorChannel chan *Task

	// KillChannel handles SIGTERM and SIGINT.
	KillChannel chan os.Signal

	// Settings contains information on what to do in post-processing
	// in the SuccessChannel, ErrorChannel, and FatalErrorChannel.
	Settings *Settings

	// NSQConsumer implements HandleMessage to receive messages from NSQ.
	NSQConsumer *nsq.Consumer

	// Process does the worker's job for one task and sets
	// task.Result. It MUST be set by structs that derive from Base.
	Process func(*Task)

	// sigTermState contains info about whether the current worker received
	// SIGTERM or SIGINT, and what cleanup work it did after receiving the
	// signal.
	sigTermState SigTermState
}

func newBase(logger *logging.Logger, publisher network.NSQClientInterface, nsqLookupd string, settings *Settings) Base {
	return Base{
		Logger:            logger,
		Publisher:         publisher,
		NsqLookupd:        nsqLookupd,
		ItemsInProcess:    service.NewRingList(settings.ChannelBufferSize),
		ProcessChannel:    make(chan *Task, settings.ChannelBufferSize),
		SuccessChannel:    make(chan *Task, settings.ChannelBufferSize),
		ErrorChannel:      make(chan *Task, settings.ChannelBufferSize),
		FatalErrorChannel: make(chan *Task, settings.ChannelBufferSize),
		KillChannel:       make(chan os.Signal, 1),
		Settings:          settings,
	}
}

// RegisterAsNsqConsumer registers this worker as an NSQ consumer on
// Settings.NSQTopic and Settings.NSQChannel. Note that as soon as you
// call this, your worker will start handling messages if any are
// available.
func (b *Base) RegisterAsNsqConsumer() error {
	config := nsq.NewConfig()
	config.Set("heartbeat_interval", "10s")
	config.Set("max_in_flight", b.Settings.ChannelBufferSize)
	config.Set("max_attempts", uint16(b.Settings.MaxAttempts+1))
	consumer, err := nsq.NewConsumer(b.Settings.NSQTopic, b.Settings.NSQChannel, config)
	if err != nil {
		return err
	}
	b.NSQConsumer = consumer
	b.NSQConsumer.AddHandler(b)
	if err := b.NSQConsumer.ConnectToNSQLookupd(b.NsqLookupd); err != nil {
		return err
	}
	b.Logger.Info("Registered as NSQ consumer")
	return nil
}

// HandleMessage decodes the order line in the message and puts it in
// the ProcessChannel. A body that cannot be decoded is logged and
// finished, since no retry will fix it.
func (b *Base) HandleMessage(message *nsq.Message) error {
	req, err := service.FulfillmentRequestFromJSON(message.Body)
	if err != nil {
		b.Logger.Errorf("Dropping message %s: its body is not an order line (%d bytes): %v",
			message.ID, len(message.Body), err)
		return nil
	}

	// See if this worker is already processing this order line.
	// This happens when nsqd thinks the message timed out.
	if b.ImAlreadyProcessingThis(req.OrderLineID) {
		return nil
	}

	task := &Task{NSQMessage: message, Request: req}

	// Disables autoresponse and keeps the message alive while we
	// work on it.
	task.NSQStart(b.Settings.TouchInterval)
	b.AddToInProcessList(req.OrderLineID)
	b.ProcessChannel <- task

	// Return nil (no error) so NSQ knows we're working on this.
	return nil
}

// ProcessItem runs tasks from the ProcessChannel and routes each to
// the SuccessChannel, the ErrorChannel, or the FatalErrorChannel,
// depending on the outcome.
func (b *Base) ProcessItem() {
	for {
		select {
		case signal := <-b.KillChannel:
			b.doSigTermCleanup(signal)
		case task := <-b.ProcessChannel:
			b.processItem(task)
		}
	}
}

func (b *Base) processItem(task *Task) {
	b.Logger.Infof("Order line %s (attempt %d) is in ProcessChannel", task.Request.OrderLineID, task.Attempts())
	b.Process(task)
	result := task.Result
	switch {
	case result.Delivered():
		b.SuccessChannel <- task
	case result.Retryable() && task.Attempts() < b.Settings.MaxAttempts:
		b.ErrorChannel <- task
	default:
		b.FatalErrorChannel <- task
	}
}

// ProcessSuccessChannel publishes each delivered result and finishes
// its message.
func (b *Base) ProcessSuccessChannel() {
	for task := range b.SuccessChannel {
		b.finish(task)
	}
}

// ProcessErrorChannel requeues tasks that failed for reasons that may
// clear up. Fulfillment is idempotent per order line, so the retry
// cannot deliver twice.
func (b *Base) ProcessErrorChannel() {
	for task := range b.ErrorChannel {
		b.Logger.Warningf("Requeueing order line %s after attempt %d of %d (%s): %s",
			task.Request.OrderLineID, task.Attempts(), b.Settings.MaxAttempts,
			task.Result.Reason, task.Result.ErrorMessage())
		b.RemoveFromInProcessList(task.Request.OrderLineID)
		task.NSQRequeue(b.Settings.RequeueTimeout)
	}
}

// ProcessFatalErrorChannel publishes each final failure and finishes
// its message.
func (b *Base) ProcessFatalErrorChannel() {
	for task := range b.FatalErrorChannel {
		b.Logger.Errorf("Order line %s failed for good (%s): %s",
			task.Request.OrderLineID, task.Result.Reason, task.Result.ErrorMessage())
		b.finish(task)
	}
}

// finish publishes the task's terminal result to its outcome topic. If
// nsqd will not take it, the message is requeued instead of finished;
// the retry replays the stored outcome and publishes again.
func (b *Base) finish(task *Task) {
	err := b.PushToQueue(task.Result)
	b.RemoveFromInProcessList(task.Request.OrderLineID)
	if err != nil {
		b.Logger.Errorf("Could not publish outcome of order line %s: %v", task.Request.OrderLineID, err)
		task.NSQRequeue(b.Settings.RequeueTimeout)
		return
	}
	task.NSQFinish()
}

// PushToQueue publishes result to the topic for its state.
func (b *Base) PushToQueue(result *service.FulfillmentResult) error {
	topic := constants.TopicForState(result.State)
	if topic == "" {
		return fmt.Errorf("order line %s ended in non-terminal state %s", result.OrderLineID, result.State)
	}
	data, err := result.ToJSON()
	if err != nil {
		return err
	}
	if err := b.Publisher.Publish(topic, data); err != nil {
		return err
	}
	b.Logger.Infof("Pushed order line %s to NSQ topic %s", result.OrderLineID, topic)
	return nil
}

// ImAlreadyProcessingThis returns true and logs a message if this order
// line is already being processed by this worker.
func (b *Base) ImAlreadyProcessingThis(orderLineID string) bool {
	if b.ItemsInProcess.Contains(orderLineID) {
		b.Logger.Infof("Skipping order line %s because this worker is already working on it", orderLineID)
		return true
	}
	return false
}

// AddToInProcessList adds orderLineID to this worker's ItemsInProcess list.
func (b *Base) AddToInProcessList(orderLineID string) {
	b.ItemsInProcess.Add(orderLineID)
}

// RemoveFromInProcessList removes orderLineID from this worker's
// ItemsInProcess list.
func (b *Base) RemoveFromInProcessList(orderLineID string) {
	b.ItemsInProcess.Del(orderLineID)
}

// doSigTermCleanup handles SIGTERM and SIGINT by disconnecting from
// nsqd, which requeues whatever messages we were working on so that
// other workers can pick them up. Order lines already past their stock
// reservation finish normally; a requeued duplicate of one of them
// replays its record.
func (b *Base) doSigTermCleanup(signal os.Signal) {
	if signal != syscall.SIGINT && signal != syscall.SIGTERM {
		return
	}
	b.sigTermState.Received = true
	b.Logger.Warning("Worker received SIGTERM. Starting graceful shutdown.")
	if b.NSQConsumer != nil {
		b.Logger.Warning("SIGTERM: Disconnect from NSQ")
		b.NSQConsumer.ChangeMaxInFlight(0)
		b.NSQConsumer.Stop()
		b.Logger.Warning("Worker disconnected from nsqd due to SIGTERM.")
	} else {
		b.Logger.Warning("SIGTERM: No need to stop NSQ consumer because there isn't one.")
	}
	b.sigTermState.ItemsInProcess = len(b.ItemsInProcess.Items())
	b.sigTermState.Completed = true
	b.Logger.Warningf("SIGTERM: Graceful shutdown steps complete with %d order line(s) in process.", b.sigTermState.ItemsInProcess)
}

// GetSigTermState returns this worker's SigTermState object, which
// contains info about whether this worker received SIGTERM or SIGINT
// and what action it took.
func (b *Base) GetSigTermState() SigTermState {
	return b.sigTermState
}
