package cttestsrv

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	ct "github.com/google/certificate-transparency-go"
	"github.com/jmhodges/clock"
	"github.com/letsencrypt/ct-prober/pki"
	"github.com/transparency-dev/merkle/rfc6962"
	"github.com/transparency-dev/merkle/testonly"
)

// Personality describes the configuration & behaviour of a test CT
// IntegrationSrv
type Personality struct {
	// Port (and optionally IP) to listen on
	Addr string
	// Base64 encoded private key for signing STHs
	// Generate your own with:
	// openssl ecparam -name prime256v1 -genkey -outform der -noout | base64 -w 0
	PrivKey string
	// PrivKeyFile, used when PrivKey is empty, is a file holding the same
	// base64 DER encoding
	PrivKeyFile string
	// Number of leaves the log starts with
	InitialLeaves int
	// If present, sleep for the given number of seconds before replying to
	// get-sth. Each request uses the next number in the list, eventually
	// cycling through.
	LatencySchedule []float64
}

// IntegrationSrv is an in-process CT log serving signed tree heads and
// consistency proofs for a Merkle tree held in memory.
type IntegrationSrv struct {
	sync.RWMutex
	logger *log.Logger
	clk    clock.Clock

	// key is the log's private key used to sign STHs
	key *ecdsa.PrivateKey

	// PubKey is the log's public key in base64 encoded DER format
	PubKey string
	// LogID is the base64 encoded SHA256 hash of the log's DER public key
	LogID string

	// Addr is the address the *http.Server is listening on (used for
	// clarifying log messages)
	Addr   string
	server *http.Server

	latencySchedule []float64
	latencyItem     int

	// tree holds the log's leaves
	tree *testonly.Tree
	// failSTH makes get-sth respond with an internal server error
	failSTH bool
	// forkRoot makes get-sth respond with a signed but bogus root hash
	forkRoot bool

	sthFetches   int64
	proofFetches int64
}

// NewServer creates an IntegrationSrv instance with the given Personality,
// logging to the given logger. The returned IntegrationSrv will not listen for
// requests until Run() is called; tests may instead serve Handler() with
// net/http/httptest.
func NewServer(p Personality, logger *log.Logger, clk clock.Clock) (*IntegrationSrv, error) {
	if p.PrivKey == "" && p.PrivKeyFile != "" {
		key, err := pki.LoadPrivateKey(p.PrivKeyFile)
		if err != nil {
			return nil, err
		}
		return newServer(p, key, logger, clk)
	}
	keyDER, err := base64.StdEncoding.DecodeString(p.PrivKey)
	if err != nil {
		return nil, err
	}
	key, err := x509.ParseECPrivateKey(keyDER)
	if err != nil {
		return nil, err
	}
	return newServer(p, key, logger, clk)
}

// NewServerWithKey is like NewServer but uses an already parsed key.
func NewServerWithKey(p Personality, key *ecdsa.PrivateKey, logger *log.Logger, clk clock.Clock) (*IntegrationSrv, error) {
	if key == nil {
		return nil, errors.New("key must not be nil")
	}
	return newServer(p, key, logger, clk)
}

func newServer(p Personality, key *ecdsa.PrivateKey, logger *log.Logger, clk clock.Clock) (*IntegrationSrv, error) {
	pubKey, logID, err := pki.EncodePublicKey(key.Public())
	if err != nil {
		return nil, err
	}
	is := &IntegrationSrv{
		logger:          logger,
		clk:             clk,
		Addr:            p.Addr,
		PubKey:          pubKey,
		LogID:           logID,
		key:             key,
		latencySchedule: p.LatencySchedule,
		tree:            testonly.New(rfc6962.DefaultHasher),
	}
	is.AddLeaves(p.InitialLeaves)
	is.server = &http.Server{
		Addr:    p.Addr,
		Handler: is.Handler(),
	}
	return is, nil
}

// Handler returns the HTTP handler serving the RFC 6962 and management
// endpoints.
func (is *IntegrationSrv) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ct/v1/get-sth", is.getSTHHandler)
	mux.HandleFunc("/ct/v1/get-sth-consistency", is.getConsistencyHandler)
	mux.HandleFunc("/add-leaves", is.addLeavesHandler)
	mux.HandleFunc("/sth-fetches", is.getSTHFetchesHandler)
	return mux
}

// Run starts an IntegrationSrv instance by calling ListenAndServe on the
// integration server's *http.Server in a dedicated goroutine.
func (is *IntegrationSrv) Run() {
	is.logger.Printf("Running cttestsrv instance on %s with pubkey %s",
		is.Addr, is.PubKey)
	go func() {
		if err := is.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			is.logger.Printf("%s ListenAndServe error: %s", is.Addr, err.Error())
		}
	}()
}

// Shutdown cleanly stops the IntegrationSrv's *http.Server.
func (is *IntegrationSrv) Shutdown() {
	is.logger.Printf("Stopping server on %s", is.Addr)
	_ = is.server.Shutdown(context.Background())
}

// AddLeaves appends n leaves to the log's tree. It is safe to call
// concurrently.
func (is *IntegrationSrv) AddLeaves(n int) {
	is.Lock()
	defer is.Unlock()
	for i := 0; i < n; i++ {
		var leaf [8]byte
		binary.BigEndian.PutUint64(leaf[:], is.tree.Size())
		is.tree.AppendData(leaf[:])
	}
}

// TreeSize returns the current number of leaves in the log.
func (is *IntegrationSrv) TreeSize() uint64 {
	is.RLock()
	defer is.RUnlock()
	return is.tree.Size()
}

// SetSTHFailure controls whether get-sth requests fail.
func (is *IntegrationSrv) SetSTHFailure(fail bool) {
	is.Lock()
	defer is.Unlock()
	is.failSTH = fail
}

// SetForkedRoot controls whether get-sth serves a root hash that does not
// match the log's tree, as a misbehaving log would.
func (is *IntegrationSrv) SetForkedRoot(fork bool) {
	is.Lock()
	defer is.Unlock()
	is.forkRoot = fork
}

// STHFetches returns the number of get-sth requests processed so far. It is
// safe to call concurrently.
func (is *IntegrationSrv) STHFetches() int64 {
	return atomic.LoadInt64(&is.sthFetches)
}

// ProofFetches returns the number of get-sth-consistency requests processed
// so far.
func (is *IntegrationSrv) ProofFetches() int64 {
	return atomic.LoadInt64(&is.proofFetches)
}

func (is *IntegrationSrv) sleep() {
	if len(is.latencySchedule) == 0 {
		return
	}
	is.Lock()
	sleepTime := time.Duration(is.latencySchedule[is.latencyItem%len(is.latencySchedule)] * float64(time.Second))
	is.latencyItem++
	is.Unlock()
	time.Sleep(sleepTime)
}

// GetSTH returns a signed get-sth response for the log's current tree.
func (is *IntegrationSrv) GetSTH() (*ct.GetSTHResponse, error) {
	atomic.AddInt64(&is.sthFetches, 1)
	is.sleep()

	is.RLock()
	defer is.RUnlock()
	if is.failSTH {
		return nil, errors.New("get-sth failure requested")
	}

	sth := &ct.SignedTreeHead{
		Version:   ct.V1,
		TreeSize:  is.tree.Size(),
		Timestamp: uint64(is.clk.Now().UnixNano() / int64(time.Millisecond)),
	}
	if is.forkRoot {
		sth.SHA256RootHash = sha256.Sum256([]byte(fmt.Sprintf("fork-%d", sth.TreeSize)))
	} else {
		copy(sth.SHA256RootHash[:], is.tree.Hash())
	}
	if err := signSTH(is.key, sth); err != nil {
		return nil, err
	}
	return sthResponse(sth)
}

// GetConsistencyProof returns a consistency proof between the first and
// second tree sizes.
func (is *IntegrationSrv) GetConsistencyProof(first, second uint64) (*ct.GetSTHConsistencyResponse, error) {
	atomic.AddInt64(&is.proofFetches, 1)

	is.RLock()
	defer is.RUnlock()
	if first > second || second > is.tree.Size() {
		return nil, fmt.Errorf("invalid consistency proof range %d to %d for tree size %d",
			first, second, is.tree.Size())
	}
	proof, err := is.tree.ConsistencyProof(first, second)
	if err != nil {
		return nil, err
	}
	return &ct.GetSTHConsistencyResponse{Consistency: proof}, nil
}
