package monitor

import (
	"bytes"
	"context"
	"fmt"

	ct "github.com/google/certificate-transparency-go"
	"github.com/letsencrypt/ct-prober/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/transparency-dev/merkle/proof"
	"github.com/transparency-dev/merkle/rfc6962"
)

// Inconsistency categories used as the `type` label of `sth_inconsistencies`
const (
	equalTreeSizeInequalHash = "equal-treesize-inequal-hash"
	failedToGetProof         = "failed-to-get-proof"
	failedToVerifyProof      = "failed-to-verify-proof"
)

// consistencyVerifier checks an RFC 6962 consistency proof between two tree
// heads. It allows shimming the verification for unit tests.
type consistencyVerifier interface {
	VerifyConsistency(size1, size2 uint64, proof [][]byte, root1, root2 []byte) error
}

// rfc6962Verifier verifies proofs for SHA256 RFC 6962 Merkle trees.
type rfc6962Verifier struct{}

func (rfc6962Verifier) VerifyConsistency(size1, size2 uint64, consistency [][]byte, root1, root2 []byte) error {
	return proof.VerifyConsistency(rfc6962.DefaultHasher, size1, size2, consistency, root1, root2)
}

// verifyConsistency fetches and validates a consistency proof between the
// checkpoint and newSTH. If the two don't verify the `sth_inconsistencies`
// counter is incremented with a label naming the category of inconsistency
// and an error is returned:
//  1. "equal-treesize-inequal-hash" - the two tree heads are the same tree size
//     but have different root hashes.
//  2. "failed-to-get-proof" - the log did not return a consistency proof.
//  3. "failed-to-verify-proof" - the log returned a proof that did not verify.
//
// The latency of fetching the proof is published to `sth_proof_latency`.
func (m *Monitor) verifyConsistency(ctx context.Context, prev *storage.Checkpoint, newSTH *ct.SignedTreeHead) error {
	firstTreeSize := prev.TreeSize
	firstHash := prev.RootHash

	secondTreeSize := newSTH.TreeSize
	secondHash := newSTH.SHA256RootHash[:]

	inconsistent := func(kind string) {
		m.stats.sthInconsistencies.With(prometheus.Labels{"uri": m.logURI, "type": kind}).Inc()
	}

	// It isn't possible to prove consistency between the empty tree and
	// a subsequent tree. The invariant 0 < first < second must hold.
	if firstTreeSize == 0 {
		m.log("checkpoint is tree size 0. No consistency proof is possible " +
			"between the empty tree and another STH")
		return nil
	}

	// Equal tree sizes must have equal root hashes. No proof is needed to tell
	// the log is inconsistent when they differ.
	if firstTreeSize == secondTreeSize && !bytes.Equal(firstHash, secondHash) {
		inconsistent(equalTreeSizeInequalHash)
		err := fmt.Errorf("checkpoint and STH have same tree size (%d) "+
			"but different tree hashes. checkpoint: %x STH: %x",
			firstTreeSize, firstHash, secondHash)
		m.logError(err.Error())
		return err
	} else if firstTreeSize == secondTreeSize {
		m.logf("checkpoint and STH have same root hash (%x) "+
			"and tree size (%d). No consistency proof required",
			firstHash, firstTreeSize)
		return nil
	}

	proofDescription := fmt.Sprintf(
		"from treesize %d (hash %x) to treesize %d (hash %x)",
		firstTreeSize, firstHash, secondTreeSize, secondHash)

	proofCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	start := m.clk.Now()
	m.logf("Getting consistency proof %s", proofDescription)
	consistencyProof, err := m.client.GetSTHConsistency(proofCtx, firstTreeSize, secondTreeSize)
	elapsed := m.clk.Since(start)
	m.stats.sthProofLatency.With(prometheus.Labels{"uri": m.logURI}).Observe(elapsed.Seconds())
	if err != nil {
		inconsistent(failedToGetProof)
		err = fmt.Errorf("failed to get consistency proof %s : %s",
			proofDescription, wrapRspErr(err))
		m.logError(err.Error())
		return err
	}

	if err := m.verifier.VerifyConsistency(
		firstTreeSize,
		secondTreeSize,
		consistencyProof,
		firstHash,
		secondHash); err != nil {
		inconsistent(failedToVerifyProof)
		err = fmt.Errorf("failed to verify consistency proof %s : %s",
			proofDescription, err)
		m.logError(err.Error())
		return err
	}

	m.logf("verified consistency proof %s", proofDescription)
	return nil
}
