package monitor

import (
	"context"
	"errors"
	"log"
	"strings"
	"testing"
	"time"

	ct "github.com/google/certificate-transparency-go"
	"github.com/jmhodges/clock"
	"github.com/letsencrypt/ct-prober/storage"
	"github.com/letsencrypt/ct-prober/test"
	"github.com/prometheus/client_golang/prometheus"
)

// mockVerifier is a consistencyVerifier that accepts or rejects every proof
type mockVerifier struct {
	err error
}

func (v mockVerifier) VerifyConsistency(_, _ uint64, _ [][]byte, _, _ []byte) error {
	return v.err
}

func TestVerifyConsistency(t *testing.T) {
	clk := clock.NewFake()
	clk.Set(time.Now())

	hashA := ct.SHA256Hash{0xA}
	hashB := ct.SHA256Hash{0xB}

	testCases := []struct {
		Name              string
		Prev              *storage.Checkpoint
		New               *ct.SignedTreeHead
		Client            monitorCTClient
		Verifier          consistencyVerifier
		ExpectedErr       string
		ExpectedInconsist string
	}{
		{
			Name:     "empty checkpoint tree",
			Prev:     &storage.Checkpoint{TreeSize: 0, RootHash: hashA[:]},
			New:      &ct.SignedTreeHead{TreeSize: 10, SHA256RootHash: hashB},
			Client:   errorClient{},
			Verifier: mockVerifier{},
		},
		{
			Name:     "equal tree size and hash",
			Prev:     &storage.Checkpoint{TreeSize: 10, RootHash: hashA[:]},
			New:      &ct.SignedTreeHead{TreeSize: 10, SHA256RootHash: hashA},
			Client:   errorClient{},
			Verifier: mockVerifier{err: errors.New("never called")},
		},
		{
			Name:              "equal tree size inequal hash",
			Prev:              &storage.Checkpoint{TreeSize: 10, RootHash: hashA[:]},
			New:               &ct.SignedTreeHead{TreeSize: 10, SHA256RootHash: hashB},
			Client:            errorClient{},
			Verifier:          mockVerifier{},
			ExpectedErr:       "checkpoint and STH have same tree size (10) but different tree hashes",
			ExpectedInconsist: equalTreeSizeInequalHash,
		},
		{
			Name:              "failed to get proof",
			Prev:              &storage.Checkpoint{TreeSize: 10, RootHash: hashA[:]},
			New:               &ct.SignedTreeHead{TreeSize: 20, SHA256RootHash: hashB},
			Client:            errorClient{},
			Verifier:          mockVerifier{},
			ExpectedErr:       "failed to get consistency proof",
			ExpectedInconsist: failedToGetProof,
		},
		{
			Name:              "failed to verify proof",
			Prev:              &storage.Checkpoint{TreeSize: 10, RootHash: hashA[:]},
			New:               &ct.SignedTreeHead{TreeSize: 20, SHA256RootHash: hashB},
			Client:            mockClient{proof: [][]byte{{0x1}}},
			Verifier:          mockVerifier{err: errors.New("bad proof")},
			ExpectedErr:       "failed to verify consistency proof",
			ExpectedInconsist: failedToVerifyProof,
		},
		{
			Name:     "verified proof",
			Prev:     &storage.Checkpoint{TreeSize: 10, RootHash: hashA[:]},
			New:      &ct.SignedTreeHead{TreeSize: 20, SHA256RootHash: hashB},
			Client:   mockClient{proof: [][]byte{{0x1}}},
			Verifier: mockVerifier{},
		},
	}

	for i, tc := range testCases {
		t.Run(tc.Name, func(t *testing.T) {
			uri := "test-verify-consistency-" + string(rune('a'+i))
			m := newTestMonitor(t, uri, storage.NewMemory(), clk)
			m.client = tc.Client
			m.verifier = tc.Verifier
			var stderr test.SafeBuffer
			m.stderr = log.New(&stderr, "", 0)

			err := m.verifyConsistency(context.Background(), tc.Prev, tc.New)
			if tc.ExpectedErr == "" && err != nil {
				t.Fatalf("Expected no error, got %s", err)
			} else if tc.ExpectedErr != "" && (err == nil || !strings.Contains(err.Error(), tc.ExpectedErr)) {
				t.Fatalf("Expected error containing %q, got %v", tc.ExpectedErr, err)
			}

			errorLine := "[ERROR] [monitor] " + uri + " : " + tc.ExpectedErr
			if tc.ExpectedErr == "" {
				if stderr.String() != "" {
					t.Errorf("Expected nothing logged to stderr, got %q", stderr.String())
				}
			} else if stderr.CountLines(errorLine) != 1 {
				t.Errorf("Expected one stderr line containing %q, got %q", errorLine, stderr.String())
			}

			for _, kind := range []string{equalTreeSizeInequalHash, failedToGetProof, failedToVerifyProof} {
				labels := prometheus.Labels{"uri": uri, "type": kind}
				count := test.CountCounterVecWithLabels(m.stats.sthInconsistencies, labels)
				expected := 0
				if kind == tc.ExpectedInconsist {
					expected = 1
				}
				if count != expected {
					t.Errorf("Expected %d %q inconsistencies, got %d", expected, kind, count)
				}
			}
		})
	}
}
