package report

import (
	"errors"
	"time"

	"github.com/micropub-rocks/conformance/internal/store"
)

// FeatureStore is the slice of the store the ledger needs.
type FeatureStore interface {
	GetFeatureResult(subjectID int64, featureNum int) (*store.FeatureResult, error)
	SaveFeatureResult(result *store.FeatureResult) error
}

// Ledger records, per subject and protocol feature number, whether that
// feature has been demonstrated implemented.
type Ledger struct {
	store FeatureStore
}

// NewLedger creates a ledger over the given store.
func NewLedger(featureStore FeatureStore) *Ledger {
	return &Ledger{store: featureStore}
}

// Record merges one observation into the stored row for
// (subjectID, featureNum).
//
// The merge is asymmetric: a positive result always overwrites, but a
// negative result only overwrites when it comes from the same test that
// last asserted the feature. Once proven, a feature does not regress from
// an unrelated test's noise. The source test id is refreshed on every
// observation either way.
func (l *Ledger) Record(subjectID int64, featureNum int, implemented bool, sourceTestID int64) error {
	result, err := l.store.GetFeatureResult(subjectID, featureNum)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if result == nil {
		result = &store.FeatureResult{
			SubjectID:  subjectID,
			FeatureNum: featureNum,
			Implements: implemented,
			CreatedAt:  time.Now(),
		}
	} else if implemented {
		result.Implements = true
	} else if result.SourceTestID == sourceTestID {
		result.Implements = false
	}

	result.SourceTestID = sourceTestID
	return l.store.SaveFeatureResult(result)
}
