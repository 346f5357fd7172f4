// Package ledger stores transaction reports: an append-only CSV file per strategy, an in-memory
// copy for readers, and JSONL/log observers.
package ledger

import (
	"time"

	"tradebot-go/internal/broker"
)

// TimeLayout is the date format written to ledger files.
const TimeLayout = "2006-01-02 15:04:05"

// Report is a Transaction plus the PnL figures known when it was recorded. Never mutated after creation.
type Report struct {
	broker.Transaction
	// TradePL and HoldLength are only set for sells.
	TradePL      float64   `json:"trade_pl"`
	PortfolioPL  float64   `json:"portfolio_pl"`
	TotalPL      float64   `json:"total_pl"`
	HoldLength   int       `json:"hold_length"`
	PurchaseDate time.Time `json:"purchase_date,omitempty"`
}

// IsSell reports whether the report closed a position.
func (r Report) IsSell() bool { return r.Type == broker.MarketSell }

// Sink persists reports in order.
type Sink interface {
	Append(Report) error
}

// Observer is notified after a report has been recorded.
type Observer interface {
	Notify(Report)
}

// Tee fans one report out to several sinks, returning the first error.
type Tee []Sink

// Append writes r to every sink.
func (t Tee) Append(r Report) error {
	var first error
	for _, s := range t {
		if err := s.Append(r); err != nil && first == nil {
			first = err
		}
	}
	return first
}
