package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/digitalgoods/fulfillment-services/app"
	"github.com/digitalgoods/fulfillment-services/util"
	"github.com/digitalgoods/fulfillment-services/util/cli"
	"github.com/digitalgoods/fulfillment-services/workers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cli.Init()
	opts := cli.ParseOpts()
	if opts.PrintHelp {
		printHelp()
		cli.PrintDefaults()
		os.Exit(0)
	}

	if opts.PidFile != "" {
		pidFile := util.NewPidFile(opts.PidFile)
		if err := pidFile.Acquire(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer pidFile.Release()
	}

	// If anything goes wrong, this panics.
	context := app.NewContext()
	defer context.Close()

	if opts.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			err := http.ListenAndServe(opts.MetricsAddr, mux)
			context.Logger.Errorf("Metrics endpoint stopped: %v", err)
		}()
	}

	settings := workers.DefaultSettings()
	settings.ChannelBufferSize = opts.ChannelBufferSize
	settings.MaxAttempts = opts.MaxAttempts
	settings.NumberOfWorkers = opts.NumWorkers
	settings.RequeueTimeout = opts.RequeueTimeout
	settings.TouchInterval = opts.TouchInterval

	worker := workers.NewFulfillmentWorker(context, settings)
	if err := worker.RegisterAsNsqConsumer(); err != nil {
		context.Logger.Fatalf("Cannot register as NSQ consumer: %v", err)
	}

	// This channel blocks until we get an interrupt,
	// so our program does not exit without Control-C
	// or other kill signal.
	<-worker.NSQConsumer.StopChan
}

func printHelp() {
	message := `
fulfillment_worker runs as a service to deliver digital goods. It reads
paid order lines from the NSQ topic fulfillment_requested, reserves
stock, makes sure the product's file is in cloud storage (uploading it
from staging on a product's first sale), and stores a download link for
the buyer. Outcomes go to fulfillment_delivered or fulfillment_failed.

Redelivered order lines are safe: a line that was already delivered
replays its stored record and touches neither stock nor storage.
`
	fmt.Println(message)
	fmt.Println(cli.EnvMessage)
}
