package fingerprint

import (
	"context"
	"iter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/templui/provenance/internal/model"
)

var duplicateMatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "provenance_duplicate_matches_total",
	Help: "Near-duplicate matches found by the scanner.",
})

// Catalog streams every known identity
type Catalog interface {
	All(ctx context.Context) iter.Seq2[model.Identity, error]
}

// Thresholds are inclusive Hamming distance limits
type Thresholds struct {
	Medium int
	Fine   int
}

// Scanner finds identities that look like a candidate. An indexed
// nearest-neighbour implementation can replace LinearScanner.
type Scanner interface {
	FindDuplicates(ctx context.Context, candidate model.Fingerprint, th Thresholds) ([]model.DuplicateMatch, error)
}

// LinearScanner compares the candidate against every catalog entry
type LinearScanner struct {
	catalog Catalog
}

func NewLinearScanner(catalog Catalog) *LinearScanner {
	return &LinearScanner{catalog: catalog}
}

func (s *LinearScanner) FindDuplicates(ctx context.Context, candidate model.Fingerprint, th Thresholds) ([]model.DuplicateMatch, error) {
	if candidate.ExactOnly() {
		return nil, nil
	}

	var matches []model.DuplicateMatch
	for identity, err := range s.catalog.All(ctx) {
		if err != nil {
			return matches, err
		}
		// Pending records still carry client-declared hashes
		if identity.ContentHash == candidate.ExactDigest || identity.Status == model.StatusPending {
			continue
		}
		medium := Distance(candidate.MediumHash, identity.MediumHash)
		fine := Distance(candidate.FineHash, identity.FineHash)
		if medium <= th.Medium || fine <= th.Fine {
			matches = append(matches, model.DuplicateMatch{
				ExistingID:     identity.ID,
				MnemonicID:     identity.MnemonicID,
				ContentHash:    identity.ContentHash,
				MediumDistance: medium,
				FineDistance:   fine,
			})
		}
	}
	duplicateMatchesTotal.Add(float64(len(matches)))
	return matches, nil
}
