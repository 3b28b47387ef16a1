package cohort

import (
	"fmt"
	"io/fs"
	"time"

	"github.com/rzbill/sharepipe/internal/codec"
)

// CustomerCohort is one seed pair.
type CustomerCohort struct {
	CustomerID string `json:"customerId"`
	CohortID   string `json:"cohortId"`
}

// DefaultFilesPerCohort is how many file locations each seed event lists.
const DefaultFilesPerCohort = 3

// LoadCustomerCohorts reads the seed pair list at name in fsys.
func LoadCustomerCohorts(fsys fs.FS, name string) ([]CustomerCohort, error) {
	b, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("seed %s: %w", name, err)
	}
	pairs, err := codec.Decode[[]CustomerCohort](nil, b)
	if err != nil {
		return nil, fmt.Errorf("seed %s: %w", name, err)
	}
	return pairs, nil
}

// FileLocation names file n (1-based) of a cohort.
func FileLocation(customerID, cohortID string, n int) string {
	return fmt.Sprintf("/example1/customers/%s/cohorts/%s/file_%d.json", customerID, cohortID, n)
}

// SeedEvents builds one update event per pair listing files 1..files.
func SeedEvents(pairs []CustomerCohort, files int, now time.Time) []UpdateEvent {
	if files <= 0 {
		files = DefaultFilesPerCohort
	}
	out := make([]UpdateEvent, 0, len(pairs))
	for _, p := range pairs {
		locs := make([]string, files)
		for i := range locs {
			locs[i] = FileLocation(p.CustomerID, p.CohortID, i+1)
		}
		out = append(out, UpdateEvent{
			CustomerID:    p.CustomerID,
			CohortID:      p.CohortID,
			UpdatedTs:     now,
			FileLocations: locs,
		})
	}
	return out
}
