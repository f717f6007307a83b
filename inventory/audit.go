package inventory

import (
	"context"
	"errors"

	"github.com/warp/bookstore-engine/generic"
)

// AuditReport summarizes one pass over the snapshots.
type AuditReport struct {
	Checked  int     `json:"checked"`
	Repaired []int64 `json:"repaired"`
}

// Audit compares every book's snapshot with a fresh fold of its ledger and
// rebuilds the ones that disagree or are missing.
func (s *Service) Audit(ctx context.Context) (AuditReport, error) {
	report := AuditReport{Repaired: []int64{}}

	ids, err := s.repo.LedgerBookIDs(ctx)
	if err != nil {
		return report, err
	}

	for _, bookID := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++

		figures, err := s.calc.Figures(ctx, bookID)
		if err != nil {
			return report, err
		}
		snap, err := s.repo.Snapshot(ctx, bookID)
		switch {
		case errors.Is(err, generic.ErrNotFound):
		case err != nil:
			return report, err
		case snap.Matches(figures):
			continue
		}

		if _, err := s.RebuildSnapshot(ctx, bookID); err != nil {
			return report, err
		}
		s.logger.WarnContext(ctx, "snapshot drift repaired", "book_id", bookID)
		report.Repaired = append(report.Repaired, bookID)
	}
	return report, nil
}
