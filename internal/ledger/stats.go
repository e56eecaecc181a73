package ledger

import "context"

// Statistics summarizes ledger contents for the stats endpoint and CLI.
type Statistics struct {
	TotalEntries    int            `json:"total_entries"`
	CurrentSequence int64          `json:"current_sequence"`
	ByTaskType      map[string]int `json:"by_task_type"`
	ByDate          map[string]int `json:"by_date"`
	Latest          *Entry         `json:"latest,omitempty"`
}

// Statistics scans the ledger and aggregates counts by task type and
// by slot date. CurrentSequence counts allocations, so it can exceed
// TotalEntries when sequences were abandoned.
func (s *Store) Statistics(ctx context.Context) (*Statistics, error) {
	entries, err := s.AllEntries(ctx)
	if err != nil {
		return nil, err
	}
	seq, err := s.CurrentSequence(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		TotalEntries:    len(entries),
		CurrentSequence: seq,
		ByTaskType:      make(map[string]int),
		ByDate:          make(map[string]int),
	}
	for _, entry := range entries {
		stats.ByTaskType[entry.TaskType]++
		if date, err := slotDate(entry.SlotID); err == nil {
			stats.ByDate[date]++
		}
		stats.Latest = entry
	}
	return stats, nil
}
