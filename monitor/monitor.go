// Package monitor implements the per-log check run by the probe scheduler on
// every round: fetch the log's signed tree head, prove it consistent with the
// last checkpoint and record the new checkpoint.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	ct "github.com/google/certificate-transparency-go"
	ctClient "github.com/google/certificate-transparency-go/client"
	"github.com/google/certificate-transparency-go/jsonclient"
	"github.com/jmhodges/clock"
	"github.com/letsencrypt/ct-prober/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// DefaultTimeout bounds each request an Update makes to the log
	DefaultTimeout = time.Second * 15
)

// monitorStats is a type to hold the prometheus metrics used by a Monitor
type monitorStats struct {
	sthTimestamp       *prometheus.GaugeVec
	sthAge             *prometheus.GaugeVec
	sthFailures        *prometheus.CounterVec
	sthLatency         *prometheus.HistogramVec
	sthProofLatency    *prometheus.HistogramVec
	sthInconsistencies *prometheus.CounterVec
	checkpointFailures *prometheus.CounterVec
}

var (
	// internetFacingBuckets are histogram buckets suitable for measuring
	// latencies that involve traversing the public internet.
	internetFacingBuckets = []float64{.1, .25, .5, 1, 2.5, 5, 7.5, 10, 15, 30, 45}

	// stats is a monitorStats instance with promauto registered prometheus
	// metrics
	stats = &monitorStats{
		sthTimestamp: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sth_timestamp",
			Help: "Timestamp of observed CT log signed tree head (STH)",
		}, []string{"uri"}),
		sthAge: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sth_age",
			Help: "Elapsed time since observed CT log signed tree head (STH) timestamp",
		}, []string{"uri"}),
		sthFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sth_failures",
			Help: "Count of failures fetching CT log signed tree head (STH)",
		}, []string{"uri"}),
		sthLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sth_latency",
			Help:    "Latency observing CT log signed tree head (STH)",
			Buckets: internetFacingBuckets,
		}, []string{"uri"}),
		sthProofLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sth_proof_latency",
			Help:    "Latency requesting CT signed tree head (STH) consistency proof",
			Buckets: internetFacingBuckets,
		}, []string{"uri"}),
		sthInconsistencies: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sth_inconsistencies",
			Help: "Count of times two CT log signed tree heads (STHs) could not be proved consistent",
		}, []string{"uri", "type"}),
		checkpointFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "checkpoint_failures",
			Help: "Count of failures loading or storing a CT log checkpoint",
		}, []string{"uri", "op"}),
	}
)

// monitorCTClient is the subset of the CT log client a Monitor uses. It allows
// shimming the client with mock implementations for unit testing.
type monitorCTClient interface {
	GetSTH(context.Context) (*ct.SignedTreeHead, error)
	GetSTHConsistency(ctx context.Context, first, second uint64) ([][]byte, error)
}

// Options is a struct holding the settings for a Monitor.
type Options struct {
	// LogURI is the base URI of the CT log
	LogURI string
	// LogID is the base64 encoded SHA256 hash of the log's public key. It keys
	// the log's checkpoint in Store.
	LogID string
	// LogKey is the base64 encoded DER public key of the log, without a PEM
	// header/footer.
	LogKey string
	// Timeout bounds each request made to the log. DefaultTimeout is used
	// when it is zero.
	Timeout time.Duration
	// Store holds the log's checkpoint between updates.
	Store storage.Storage
}

// Valid checks that the Options identify a log and carry a store.
func (o Options) Valid() error {
	if o.LogURI == "" {
		return errors.New("LogURI must not be empty")
	}
	if o.LogID == "" {
		return errors.New("LogID must not be empty")
	}
	if o.LogKey == "" {
		return errors.New("LogKey must not be empty")
	}
	if o.Timeout < 0 {
		return errors.New("Timeout must be >= 0")
	}
	if o.Store == nil {
		return errors.New("Store must not be nil")
	}
	return nil
}

// Monitor checks a single CT log each time Update is called.
type Monitor struct {
	logPrinter

	clk      clock.Clock
	stats    *monitorStats
	client   monitorCTClient
	verifier consistencyVerifier
	store    storage.Storage

	logID   string
	timeout time.Duration

	// updateMu serializes Updates so checkpoints are read and written in order
	updateMu sync.Mutex

	// latestMu guards latestTimestamp, the timestamp in millis of the newest
	// STH this monitor has observed
	latestMu        sync.RWMutex
	latestTimestamp uint64
}

// New creates a Monitor for the given options. Informational output is
// printed to stdout and errors to stderr.
func New(opts Options, stdout, stderr *log.Logger, clk clock.Clock) (*Monitor, error) {
	if err := opts.Valid(); err != nil {
		return nil, err
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}

	hc := &http.Client{
		Timeout: time.Minute,
	}

	// By convention CT log public keys are shared/configured as the base64
	// encoded PEM content of the key _without_ the PEM object type header/footer.
	// The `ctclient.New()` constructor expects a vanilla PEM block that includes
	// the header/footer so we manufacture that here with the b64key
	pubkey := fmt.Sprintf("-----BEGIN PUBLIC KEY-----\n%s\n-----END PUBLIC KEY-----", opts.LogKey)

	// Passing the PublicKey makes the client validate the STH signature on
	// every GetSTH call.
	client, err := ctClient.New(opts.LogURI, hc, jsonclient.Options{
		Logger:    stdout,
		PublicKey: pubkey,
	})
	if err != nil {
		return nil, err
	}

	return &Monitor{
		logPrinter: logPrinter{
			label:  "[monitor]",
			logURI: opts.LogURI,
			stdout: stdout,
			stderr: stderr,
		},
		clk:      clk,
		stats:    stats,
		client:   client,
		verifier: rfc6962Verifier{},
		store:    opts.Store,
		logID:    opts.LogID,
		timeout:  opts.Timeout,
	}, nil
}

// ServerName returns the URI of the monitored log.
func (m *Monitor) ServerName() string {
	return m.logURI
}

// LogID returns the monitored log's ID.
func (m *Monitor) LogID() string {
	return m.logID
}

// LatestTimestamp returns the timestamp, in milliseconds since the epoch, of
// the newest STH observed. It is zero until an STH has been fetched.
func (m *Monitor) LatestTimestamp() uint64 {
	m.latestMu.RLock()
	defer m.latestMu.RUnlock()
	return m.latestTimestamp
}

func (m *Monitor) observeTimestamp(ts uint64) {
	m.latestMu.Lock()
	defer m.latestMu.Unlock()
	if ts > m.latestTimestamp {
		m.latestTimestamp = ts
	}
}

// Update fetches the monitored log's signed tree head (STH), verifies it is
// consistent with the stored checkpoint and stores it as the new checkpoint.
// The latency of the fetch is published to the `sth_latency` metric and the
// clocktime elapsed since the STH's timestamp to `sth_age`. An STH with a
// smaller tree than the checkpoint is assumed to be a stale cached response
// and is ignored. Any failure is returned, Update never panics on a
// misbehaving log.
func (m *Monitor) Update(ctx context.Context) error {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	labels := prometheus.Labels{"uri": m.logURI}
	m.log("Fetching STH")

	fetchCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	start := m.clk.Now()
	newSTH, err := m.client.GetSTH(fetchCtx)
	elapsed := m.clk.Since(start)
	m.stats.sthLatency.With(labels).Observe(elapsed.Seconds())

	if err != nil {
		m.stats.sthFailures.With(labels).Inc()
		err = fmt.Errorf("failed to fetch STH: %s", wrapRspErr(err))
		m.logError(err.Error())
		return err
	}

	m.stats.sthTimestamp.With(labels).Set(float64(newSTH.Timestamp))
	ts := time.Unix(0, int64(newSTH.Timestamp)*int64(time.Millisecond))
	sthAge := m.clk.Since(ts)
	m.stats.sthAge.With(labels).Set(sthAge.Seconds())
	m.observeTimestamp(newSTH.Timestamp)

	m.logf("STH signature verified. Timestamp: %s Age: %s TreeSize: %d Root Hash: %x",
		ts, sthAge, newSTH.TreeSize, newSTH.SHA256RootHash)

	prev, err := m.store.GetCheckpoint(ctx, m.logID)
	if err != nil {
		m.stats.checkpointFailures.With(prometheus.Labels{"uri": m.logURI, "op": "get"}).Inc()
		m.logErrorf("failed to load checkpoint: %s", err)
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}

	if prev != nil && newSTH.TreeSize < prev.TreeSize {
		m.logf("STH tree size %d is smaller than checkpoint tree size %d. Ignoring stale STH",
			newSTH.TreeSize, prev.TreeSize)
		return nil
	} else if prev != nil {
		if err := m.verifyConsistency(ctx, prev, newSTH); err != nil {
			return err
		}
	}

	err = m.store.PutCheckpoint(ctx, &storage.Checkpoint{
		LogID:     m.logID,
		TreeSize:  newSTH.TreeSize,
		Timestamp: newSTH.Timestamp,
		RootHash:  newSTH.SHA256RootHash[:],
		UpdatedAt: m.clk.Now(),
	})
	if err != nil {
		m.stats.checkpointFailures.With(prometheus.Labels{"uri": m.logURI, "op": "put"}).Inc()
		m.logErrorf("failed to store checkpoint: %s", err)
		return fmt.Errorf("failed to store checkpoint: %w", err)
	}
	return nil
}
