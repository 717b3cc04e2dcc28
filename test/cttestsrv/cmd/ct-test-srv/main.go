// This is a test server that implements the subset of RFC6962 APIs needed by
// ct-prober: get-sth and get-sth-consistency.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"os"
	"path"
	"time"

	"github.com/jmhodges/clock"
	"github.com/letsencrypt/ct-prober/cmd"
	"github.com/letsencrypt/ct-prober/test/cttestsrv"
)

// config is a struct for holding multiple cttestserv.Personalities that will be
// created and started in `main`
type config struct {
	Personalities []cttestsrv.Personality
	// GrowInterval, if set, is how often every log gains GrowBy leaves
	GrowInterval string
	GrowBy       int
}

// valid checks that a configuration is acceptable. If there is a problem an
// error is returned, otherwise nil is returned.
func (c config) valid() error {
	if len(c.Personalities) < 1 {
		return errors.New(
			"Configuration must specify at least one CT test server personality")
	}
	if c.GrowInterval != "" {
		if _, err := time.ParseDuration(c.GrowInterval); err != nil {
			return err
		}
	}
	return nil
}

// main runs a number of CT test server personalities and then blocks waiting
// for signals.
func main() {
	logger := log.New(
		os.Stdout,
		path.Base(os.Args[0])+" ",
		log.LstdFlags)

	// Load the configuration specified on the command line
	configFile := flag.String("config", "", "Path to config file.")
	flag.Parse()
	if *configFile == "" {
		logger.Fatal("You must specify a -config file")
	}
	data, err := os.ReadFile(*configFile)
	if err != nil {
		logger.Fatal(err)
	}
	var c config
	if err := json.Unmarshal(data, &c); err != nil {
		logger.Fatal(err)
	}
	if err := c.valid(); err != nil {
		logger.Fatalf("%s: %s", *configFile, err.Error())
	}

	// Create and start an IntegrationSrv for each of the configured personalities
	var servers []*cttestsrv.IntegrationSrv
	for _, p := range c.Personalities {
		srv, err := cttestsrv.NewServer(p, logger, clock.New())
		if err != nil {
			logger.Fatal(err)
		}
		servers = append(servers, srv)
		srv.Run()
	}

	ctx, cancel := cmd.ContextWithSignals(context.Background(), logger)
	defer cancel()

	if c.GrowInterval != "" {
		interval, _ := time.ParseDuration(c.GrowInterval)
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					for _, srv := range servers {
						srv.AddLeaves(c.GrowBy)
					}
				}
			}
		}()
	}

	// Block until a signal arrives, then shutdown all of the IntegrationSrv
	// instances that were started.
	<-ctx.Done()
	for _, srv := range servers {
		srv.Shutdown()
	}
	logger.Printf("Goodbye\n")
}
