package migration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sort"

	"github.com/sourcegraph/conc/pool"

	"github.com/datamarket/tierstore/pkg/errors"
	"github.com/datamarket/tierstore/pkg/types"
)

// Verify compares source and target tier by tier. Objects missing from the target are
// reported as missing. With VerifyChecksums both copies are re-read and hashed; otherwise
// presence with matching size counts as verified. Objects found only in the target are
// logged. A listing failure aborts verification.
func (m *Migrator) Verify(ctx context.Context) ([]VerificationResult, error) {
	var results []VerificationResult
	for _, tier := range types.AllTiers {
		tierResults, err := m.verifyTier(ctx, tier)
		if err != nil {
			return nil, err
		}
		results = append(results, tierResults...)
	}
	return results, nil
}

func (m *Migrator) verifyTier(ctx context.Context, tier types.Tier) ([]VerificationResult, error) {
	sourceObjects, err := m.source.ListObjects(ctx, tier, "", 0)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "list source tier "+string(tier)).WithComponent("migration")
	}
	targetObjects, err := m.target.ListObjects(ctx, tier, "", 0)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "list target tier "+string(tier)).WithComponent("migration")
	}

	inTarget := make(map[types.ContentHash]types.StorageObject, len(targetObjects))
	for _, obj := range targetObjects {
		inTarget[obj.Hash] = obj
	}
	inSource := make(map[types.ContentHash]bool, len(sourceObjects))
	for _, obj := range sourceObjects {
		inSource[obj.Hash] = true
	}
	for _, obj := range targetObjects {
		if !inSource[obj.Hash] {
			m.logger.Warn("object only present in target", "content_hash", obj.Hash, "tier", tier)
		}
	}

	sort.Slice(sourceObjects, func(i, j int) bool { return sourceObjects[i].Hash < sourceObjects[j].Hash })
	results := make([]VerificationResult, len(sourceObjects))
	p := pool.New().WithMaxGoroutines(m.config.ParallelTransfers)
	for i, obj := range sourceObjects {
		target, ok := inTarget[obj.Hash]
		if !ok {
			results[i] = VerificationResult{Hash: obj.Hash, Tier: tier, Status: StatusMissing}
			continue
		}
		p.Go(func() {
			results[i] = m.verifyObject(ctx, obj, target, tier)
		})
	}
	p.Wait()

	for _, r := range results {
		if r.Status != StatusVerified {
			m.logger.Warn("verification failed", "content_hash", r.Hash, "tier", tier, "status", r.Status, "error", r.Error)
		}
	}
	return results, nil
}

func (m *Migrator) verifyObject(ctx context.Context, source, target types.StorageObject, tier types.Tier) VerificationResult {
	result := VerificationResult{Hash: source.Hash, Tier: tier}
	if !m.config.VerifyChecksums {
		if source.Size != target.Size {
			result.Status = StatusMismatch
			result.Error = "size differs"
			return result
		}
		result.Status = StatusVerified
		return result
	}

	var err error
	if result.SourceChecksum, err = checksum(ctx, m.source, source.Hash, tier); err != nil {
		result.Status = StatusError
		result.Error = "source: " + err.Error()
		return result
	}
	if result.TargetChecksum, err = checksum(ctx, m.target, source.Hash, tier); err != nil {
		result.Status = StatusError
		result.Error = "target: " + err.Error()
		return result
	}

	declared := string(source.Hash)
	switch {
	case result.SourceChecksum != result.TargetChecksum:
		result.Status = StatusMismatch
		result.Error = "source and target differ"
	case result.TargetChecksum != declared:
		result.Status = StatusMismatch
		result.Error = "content does not match its hash"
	default:
		result.Status = StatusVerified
	}
	return result
}

// checksum streams the object through SHA-256.
func checksum(ctx context.Context, d types.Driver, hash types.ContentHash, tier types.Tier) (string, error) {
	obj, err := d.GetObject(ctx, hash, tier, nil)
	if err != nil {
		return "", err
	}
	defer obj.Body.Close()

	h := sha256.New()
	if _, err := io.Copy(h, obj.Body); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeStorageRead, "read object").WithObject(string(hash), string(tier))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
