package store

import (
	"fmt"
)

// VerifyAttemptIntegrity checks that the stored trajectory still hashes to
// the fingerprint recorded with it.
func VerifyAttemptIntegrity(r *AttemptRecord) error {
	computed := r.Telemetry().Fingerprint()
	if computed != r.Fingerprint {
		return fmt.Errorf("fingerprint mismatch for attempt %d: computed %s, stored %s",
			r.ID, computed, r.Fingerprint)
	}
	return nil
}

// VerifyAttempts re-hashes every stored attempt and returns the IDs whose
// trajectory no longer matches its fingerprint.
func (s *Store) VerifyAttempts() ([]int64, error) {
	rows, err := s.db.Query(`SELECT ` + attemptColumns + ` FROM attempts ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query all attempts: %w", err)
	}
	defer rows.Close()

	records, err := scanAttempts(rows)
	if err != nil {
		return nil, err
	}

	var corrupted []int64
	for i := range records {
		if err := VerifyAttemptIntegrity(&records[i]); err != nil {
			corrupted = append(corrupted, records[i].ID)
		}
	}
	return corrupted, nil
}
