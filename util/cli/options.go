package cli

import (
	"flag"
	"time"
)

type Options struct {
	ChannelBufferSize int
	MaxAttempts       int
	MetricsAddr       string
	NumWorkers        int
	PidFile           string
	PrintHelp         bool
	RequeueTimeout    time.Duration
	TouchInterval     time.Duration
}

var opts = Options{}
var defaultAttempts = 5
var defaultBufSize = 20
var defaultWorkers = 4
var defaultTimeout = 1 * time.Minute
var defaultTouch = 30 * time.Second

var EnvMessage = `If you don't set FULFILLMENT_CONFIG_DIR and FULFILLMENT_CONFIG,
this will panic on startup. They mean:

FULFILLMENT_CONFIG_DIR - Path to the directory containing the .env settings file.

FULFILLMENT_CONFIG - Name of the configuration to load. For example:
    test - Loads .env.test from FULFILLMENT_CONFIG_DIR
    dev  - Loads .env.dev from FULFILLMENT_CONFIG_DIR

Any setting in the .env file can be overridden by an environment
variable of the same name. Provider secrets (DRIVE_CLIENT_SECRET,
DRIVE_REFRESH_TOKEN, MEDIAFIRE_PASSWORD, MEDIAFIRE_APP_KEY) should
come from the environment rather than the file.
`

func Init() {
	flag.IntVar(&opts.ChannelBufferSize, "bufsize", defaultBufSize, "Channel buffer size for go workers")
	flag.IntVar(&opts.MaxAttempts, "max-attempts", defaultAttempts, "Maximum number of times a worker should attempt an order line that fails for retryable reasons")
	flag.StringVar(&opts.MetricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on, e.g. :9100. Empty disables the endpoint.")
	flag.IntVar(&opts.NumWorkers, "workers", defaultWorkers, "Number of go routines that fulfill order lines concurrently")
	flag.StringVar(&opts.PidFile, "pid-file", "", "Refuse to start if this pid file names a running process")
	flag.BoolVar(&opts.PrintHelp, "help", false, "Print help message")
	flag.DurationVar(&opts.RequeueTimeout, "requeue-timeout", defaultTimeout, "Requeue timeout for reprocessing items with non-fatal errors. Format examples: 500ms, 12s, 10m, 3m30s, 3h")
	flag.DurationVar(&opts.TouchInterval, "touch-interval", defaultTouch, "How often to touch in-process NSQ messages during slow uploads")
}

func ParseOpts() Options {
	flag.Parse()
	return opts
}

func PrintDefaults() {
	flag.PrintDefaults()
}
