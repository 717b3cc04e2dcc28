// Package prober wires configured CT logs into monitors driven by a probe
// scheduler and exposes their metrics over HTTP.
package prober

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/go-sql-driver/mysql"
	"github.com/jmhodges/clock"
	"github.com/letsencrypt/ct-prober/loop"
	"github.com/letsencrypt/ct-prober/monitor"
	"github.com/letsencrypt/ct-prober/scheduler"
	"github.com/letsencrypt/ct-prober/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// Prober is a struct collecting up the things required to probe the
// configured logs and expose the metrics gathered.
type Prober struct {
	stdout        *log.Logger
	stderr        *log.Logger
	store         storage.Storage
	monitors      []*monitor.Monitor
	scheduler     *scheduler.Scheduler
	metricsServer *http.Server

	// stopped is closed by Stop
	stopped  chan struct{}
	stopOnce sync.Once
}

// New creates a Prober from the provided configuration, loggers and clock.
// If the configuration is invalid or an error occurs initializing the
// prober it is returned and no partially built Prober escapes. The returned
// Prober does not probe anything until Run is called.
func New(c Config, stdout, stderr *log.Logger, clk clock.Clock) (*Prober, error) {
	// Check the configuration is valid
	if err := c.Valid(); err != nil {
		return nil, err
	}

	store, err := openStorage(c)
	if err != nil {
		return nil, err
	}

	// Create a monitor for every configured log, in configuration order
	monitors := make([]*monitor.Monitor, 0, len(c.Logs))
	for _, logConf := range c.Logs {
		m, err := monitor.New(monitor.Options{
			LogURI:  logConf.URI,
			LogID:   logConf.LogID,
			LogKey:  logConf.Key,
			Timeout: c.updateTimeout(),
			Store:   store,
		}, stdout, stderr, clk)
		if err != nil {
			if closeErr := store.Close(); closeErr != nil {
				stderr.Printf("[ERROR] Unable to close checkpoint storage: %s\n", closeErr)
			}
			return nil, fmt.Errorf("unable to create monitor for log %q: %w", logConf.URI, err)
		}
		monitors = append(monitors, m)
	}

	handles := make([]scheduler.Handle, len(monitors))
	for i, m := range monitors {
		handles[i] = m
	}
	lp := loop.New(clk, stderr)

	return &Prober{
		stdout:        stdout,
		stderr:        stderr,
		store:         store,
		monitors:      monitors,
		scheduler:     scheduler.New(handles, c.probeInterval(), lp, stdout, stderr, clk),
		metricsServer: initMetrics(c.MetricsAddr),
		stopped:       make(chan struct{}),
	}, nil
}

// openStorage returns MySQL checkpoint storage when a DBURI is configured and
// in-memory storage otherwise.
func openStorage(c Config) (storage.Storage, error) {
	if c.DBURI == "" {
		return storage.NewMemory(), nil
	}
	dsn, err := dbDSN(c)
	if err != nil {
		return nil, err
	}
	store, err := storage.New(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open checkpoint storage: %w", err)
	}
	return store, nil
}

// dbDSN builds the MySQL DSN from the DBURI. A password read from
// DBPasswordFile replaces any password in the DBURI, and parseTime is always
// enabled since checkpoints carry a DATETIME.
func dbDSN(c Config) (string, error) {
	dbConf, err := mysql.ParseDSN(c.DBURI)
	if err != nil {
		return "", fmt.Errorf("DBURI is invalid: %w", err)
	}
	if c.DBPasswordFile != "" {
		password, err := readPasswordFile(c.DBPasswordFile)
		if err != nil {
			return "", err
		}
		dbConf.Passwd = password
	}
	dbConf.ParseTime = true
	return dbConf.FormatDSN(), nil
}

// readPasswordFile reads a password, refusing files readable by the group or
// others.
func readPasswordFile(file string) (string, error) {
	info, err := os.Stat(file)
	if err != nil {
		return "", err
	}
	if info.Mode().Perm()&0077 != 0 {
		return "", fmt.Errorf("DBPasswordFile %q must not be accessible by group or others (mode %s)",
			file, info.Mode().Perm())
	}
	contents, err := os.ReadFile(file)
	if err != nil {
		return "", err
	}
	password := strings.TrimSpace(string(contents))
	if password == "" {
		return "", fmt.Errorf("DBPasswordFile %q is empty", file)
	}
	return password, nil
}

// initMetrics creates a HTTP server listening on the provided addr with
// a Prometheus handler registered for the /metrics URL path. The server is
// not started until Run.
func initMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:    addr,
		Handler: mux,
	}
}

// Run starts the metrics server and the probe scheduler and blocks until ctx
// is done, Stop is called or the metrics server fails. Everything is stopped
// before Run returns.
func (p *Prober) Run(ctx context.Context) error {
	grp, groupCtx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		p.stdout.Printf("Handling /metrics on %s\n", p.metricsServer.Addr)
		err := p.metricsServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server : %w", err)
		}
		return nil
	})

	grp.Go(func() error {
		p.scheduler.Start()
		select {
		case <-groupCtx.Done():
		case <-p.stopped:
		}
		p.Stop()
		return nil
	})

	return grp.Wait()
}

// Stop stops the probe scheduler, shuts the metrics server down and closes
// the checkpoint storage. Monitor updates already in flight are left to
// finish on their own and fail if they reach the closed storage.
func (p *Prober) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopped)
		p.scheduler.Stop()
		err := p.metricsServer.Shutdown(context.Background())
		if err != nil {
			p.stderr.Printf("[ERROR] Unable to shutdown metrics server cleanly: %s\n",
				err.Error())
		}
		if err := p.store.Close(); err != nil {
			p.stderr.Printf("[ERROR] Unable to close checkpoint storage: %s\n",
				err.Error())
		}
	})
}

// Status returns the probe scheduler's progress.
func (p *Prober) Status() scheduler.Status {
	return p.scheduler.Status()
}

// Monitors returns the prober's monitors in configuration order.
func (p *Prober) Monitors() []*monitor.Monitor {
	return p.monitors
}
