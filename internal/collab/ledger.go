package collab

import (
	"context"
	"sync"
)

// MemoryLedger keeps run records in memory, newest last per host. It
// backs tests and single-process runs; a durable store can replace it
// behind the RunLedger interface.
type MemoryLedger struct {
	mu   sync.Mutex
	runs map[string][]RunRecord
}

// NewMemoryLedger returns an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{runs: make(map[string][]RunRecord)}
}

// Record appends the run to the host's history.
func (l *MemoryLedger) Record(_ context.Context, rec RunRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs[rec.Host] = append(l.runs[rec.Host], rec)
	return nil
}

// Latest returns the most recent run for the host, if any.
func (l *MemoryLedger) Latest(_ context.Context, host string) (RunRecord, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	recs := l.runs[host]
	if len(recs) == 0 {
		return RunRecord{}, false, nil
	}
	return recs[len(recs)-1], true, nil
}
