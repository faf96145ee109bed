package store

import (
	"time"

	orcerrors "github.com/emily-flambe/orca-sub000/internal/errors"
)

// CostInWindow sums the cost of every budget event recorded at or after
// the given instant. Events age out of the budget simply by the window
// sliding past them; nothing is deleted.
func (s *Store) CostInWindow(since time.Time) (float64, error) {
	var total float64
	err := s.QueryRow(`
		SELECT COALESCE(SUM(cost_usd), 0) FROM budget_events
		WHERE recorded_at >= ?`, fmtTime(since)).Scan(&total)
	if err != nil {
		return 0, orcerrors.ErrStoreFailure("cost in window", err)
	}
	return total, nil
}

// BudgetEventsSince returns the raw events recorded at or after the
// given instant, oldest first. Same inclusive boundary as CostInWindow.
func (s *Store) BudgetEventsSince(since time.Time) ([]BudgetEvent, error) {
	rows, err := s.Query(`
		SELECT id, invocation_id, cost_usd, recorded_at FROM budget_events
		WHERE recorded_at >= ? ORDER BY recorded_at ASC, id ASC`, fmtTime(since))
	if err != nil {
		return nil, orcerrors.ErrStoreFailure("budget events since", err)
	}
	defer func() { _ = rows.Close() }()

	var events []BudgetEvent
	for rows.Next() {
		var ev BudgetEvent
		var recordedAt string
		if err := rows.Scan(&ev.ID, &ev.InvocationID, &ev.CostUSD, &recordedAt); err != nil {
			return nil, orcerrors.ErrStoreFailure("budget events since", err)
		}
		ev.RecordedAt = parseTime(recordedAt)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, orcerrors.ErrStoreFailure("budget events since", err)
	}
	return events, nil
}

// TotalCost sums every budget event ever recorded.
func (s *Store) TotalCost() (float64, error) {
	var total float64
	err := s.QueryRow(`SELECT COALESCE(SUM(cost_usd), 0) FROM budget_events`).Scan(&total)
	if err != nil {
		return 0, orcerrors.ErrStoreFailure("total cost", err)
	}
	return total, nil
}
