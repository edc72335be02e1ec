package sagaway

import (
	"context"
)

// Monitor serves summary statistics over any Store backend.
type Monitor struct {
	store Store
}

func NewMonitor(store Store) *Monitor {
	return &Monitor{store: store}
}

func (m *Monitor) Stats(ctx context.Context) (SummaryStats, error) {
	var stats SummaryStats

	statuses := []Status{
		StatusRunning,
		StatusCompensating,
		StatusCompleted,
		StatusCompensated,
		StatusFailedCompensation,
	}

	for _, status := range statuses {
		instances, err := m.store.QueryByStatus(ctx, status)
		if err != nil {
			return SummaryStats{}, err
		}

		count := len(instances)
		stats.Total += count

		switch status {
		case StatusRunning:
			stats.Running = count
		case StatusCompensating:
			stats.Compensating = count
		case StatusCompleted:
			stats.Completed = count
		case StatusCompensated:
			stats.Compensated = count
		case StatusFailedCompensation:
			stats.FailedCompensation = count
		}
	}

	return stats, nil
}
