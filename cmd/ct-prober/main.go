package main

import (
	"context"
	"flag"
	"log"
	"os"
	"path"

	"github.com/jmhodges/clock"
	"github.com/letsencrypt/ct-prober/cmd"
	"github.com/letsencrypt/ct-prober/prober"
)

const (
	// default -config value
	configDefault = "test/config.json"
)

var (
	stdout = log.New(
		os.Stdout,
		path.Base(os.Args[0])+" ",
		log.LstdFlags)
	stderr = log.New(
		os.Stderr,
		path.Base(os.Args[0])+" ",
		log.LstdFlags)
)

// failOnError aborts by calling Fatalf on the stderr logger with the provided
// msg iff the err is not nil.
func failOnError(err error, msg string) {
	if err == nil {
		return
	}
	stderr.Fatalf("[ERROR] %s - %s", msg, err)
}

func main() {
	configFile := flag.String(
		"config",
		configDefault,
		"JSON or YAML ct-prober configuration file path")
	flag.Parse()

	// Load and validate the configuration
	var conf prober.Config
	err := conf.Load(*configFile)
	failOnError(err, "Unable to load ct-prober config")

	p, err := prober.New(conf, stdout, stderr, clock.New())
	failOnError(err, "Unable to create ct-prober")

	// Probe until a signal arrives. Run stops the scheduler and the metrics
	// server before returning.
	ctx, cancel := cmd.ContextWithSignals(context.Background(), stdout)
	defer cancel()
	stdout.Printf("Probing %d logs every %s\n", len(conf.Logs), conf.ProbeInterval)
	err = p.Run(ctx)
	failOnError(err, "ct-prober failed")
	stdout.Printf("Goodbye\n")
}
