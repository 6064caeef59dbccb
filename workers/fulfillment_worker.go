package workers

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/digitalgoods/fulfillment-services/app"
	"github.com/digitalgoods/fulfillment-services/network"
	"github.com/op/go-logging"
)

// FulfillmentWorker consumes fulfillment_requested messages and
// publishes each order line's outcome to fulfillment_delivered or
// fulfillment_failed.
type FulfillmentWorker struct {
	Base
	Fulfiller Fulfiller
	ctx       context.Context
}

// NewFulfillmentWorker creates a worker from an app Context and starts
// its goroutines. Call RegisterAsNsqConsumer to start receiving.
func NewFulfillmentWorker(c *app.Context, settings *Settings) *FulfillmentWorker {
	c.Logger.Info("Fulfillment worker started with the following settings:")
	c.Logger.Info(settings.ToJSON())
	c.Logger.Info("Config settings (omitting sensitive credentials):")
	c.Logger.Info(c.Config.ToJSON())
	worker := NewFulfillmentWorkerWith(c.Orchestrator, c.NSQClient, c.Config.NsqLookupd, c.Logger, settings)
	signal.Notify(worker.KillChannel, syscall.SIGINT, syscall.SIGTERM)
	return worker
}

// NewFulfillmentWorkerWith creates a worker from its parts and starts
// its goroutines.
func NewFulfillmentWorkerWith(fulfiller Fulfiller, publisher network.NSQClientInterface, nsqLookupd string, logger *logging.Logger, settings *Settings) *FulfillmentWorker {
	worker := &FulfillmentWorker{
		Base:      newBase(logger, publisher, nsqLookupd, settings),
		Fulfiller: fulfiller,
		ctx:       context.Background(),
	}

	// Set this on base with our custom version. It is not defined
	// at all in base. Failing to set it will result in nil pointers
	// and crashes.
	worker.Base.Process = worker.Process

	// Spin up the go routines that will act as workers
	for i := 0; i < settings.NumberOfWorkers; i++ {
		logger.Infof("Starting worker #%d", i+1)
		go worker.ProcessItem()
	}
	go worker.ProcessErrorChannel()
	go worker.ProcessFatalErrorChannel()
	go worker.ProcessSuccessChannel()
	return worker
}

// Process fulfills the task's order line.
func (w *FulfillmentWorker) Process(task *Task) {
	task.Result = w.Fulfiller.Fulfill(w.ctx, task.Request)
}
