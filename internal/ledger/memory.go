package ledger

import "sync"

// Memory stores reports in memory for quick inspection.
type Memory struct {
	mu      sync.Mutex
	reports []Report
}

// NewMemory creates an empty ledger optionally pre-sizing storage.
func NewMemory(capacity int) *Memory {
	if capacity < 0 {
		capacity = 0
	}
	return &Memory{reports: make([]Report, 0, capacity)}
}

// Append adds a report to the ledger.
func (m *Memory) Append(r Report) error {
	m.mu.Lock()
	m.reports = append(m.reports, r)
	m.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the recorded reports.
func (m *Memory) Snapshot() []Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Report, len(m.reports))
	copy(out, m.reports)
	return out
}

// Len returns the number of recorded reports.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reports)
}

// Reset clears all stored reports.
func (m *Memory) Reset() {
	m.mu.Lock()
	m.reports = m.reports[:0]
	m.mu.Unlock()
}
