// Package performance aggregates transaction outcomes, PnL extremes and per-source prediction accuracy.
package performance

import (
	"maps"
	"sync"
	"time"

	"tradebot-go/internal/ledger"
	"tradebot-go/internal/market"
	"tradebot-go/internal/portfolio"
	"tradebot-go/internal/predict"
)

// LabelThreshold is the relative close-to-close move below which a bar is labelled flat.
const LabelThreshold = 0.001

// Stat counts how one signal source fared against realized moves.
type Stat struct {
	Correct    int     `json:"correct"`
	Incorrect  int     `json:"incorrect"`
	Unsure     int     `json:"unsure"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
}

// History is a closed trade referenced by an extreme.
type History struct {
	Symbol       string    `json:"symbol"`
	PurchaseDate time.Time `json:"purchase_date"`
	SellDate     time.Time `json:"sell_date"`
	PL           float64   `json:"pl"`
}

// Snapshot is an immutable copy of the tracker state.
type Snapshot struct {
	InitialCapital      float64                    `json:"initial_capital"`
	Observations        int                        `json:"observations"`
	Buys                map[string]int             `json:"buys"`
	TotalBuys           int                        `json:"total_buys"`
	TotalSells          int                        `json:"total_sells"`
	HoldProfit          float64                    `json:"hold_profit"`
	StrategyProfit      float64                    `json:"strategy_profit"`
	LargestProfit       *History                   `json:"largest_profit"`
	LargestLoss         *History                   `json:"largest_loss"`
	LargestMissedProfit *History                   `json:"largest_missed_profit"`
	GoodBuys            []ledger.Report            `json:"good_buys"`
	BadBuys             []ledger.Report            `json:"bad_buys"`
	BadSells            []ledger.Report            `json:"bad_sells"`
	Transactions        []ledger.Report            `json:"transactions"`
	PredictionStats     map[string]map[string]Stat `json:"prediction_stats"`
}

// AverageConfidence returns the mean confidence of reports, zero when empty.
func AverageConfidence(reports []ledger.Report) float64 {
	if len(reports) == 0 {
		return 0
	}
	var sum float64
	for _, r := range reports {
		sum += r.Confidence
	}
	return sum / float64(len(reports))
}

// Tracker is updated once per cycle by the owning trader or backtester and read through Snapshot.
type Tracker struct {
	mu    sync.Mutex
	state Snapshot

	lastBars    map[string]market.Bar
	lastSignals map[string][]predict.Signal
	lastSells   []ledger.Report
}

// New creates a tracker; initialCapital is split evenly across portfolios for the hold baseline.
func New(initialCapital float64) *Tracker {
	return &Tracker{state: Snapshot{
		InitialCapital:  initialCapital,
		Buys:            map[string]int{},
		PredictionStats: map[string]map[string]Stat{},
	}}
}

// Update folds one cycle into the tracker. signals are the predictions made this cycle; they are
// scored on the next call, against that call's bars.
func (t *Tracker) Update(portfolios map[string]portfolio.Portfolio, reports []ledger.Report, latest map[string]market.Bar, signals map[string][]predict.Signal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &t.state
	s.Observations++
	t.holdProfit(portfolios, latest)
	sells := t.fold(reports)

	if t.lastBars != nil {
		t.scorePredictions(latest)
		for _, r := range t.lastSells {
			bar, ok := latest[r.Symbol]
			prev, okPrev := t.lastBars[r.Symbol]
			if !ok || !okPrev {
				continue
			}
			missed := (bar.Close - prev.Close) * r.Quantity
			if s.LargestMissedProfit == nil || missed > s.LargestMissedProfit.PL {
				h := history(r)
				h.PL = missed
				s.LargestMissedProfit = h
			}
			if bar.Close > r.Price {
				s.BadSells = append(s.BadSells, r)
			}
		}
	}

	t.lastBars = maps.Clone(latest)
	t.lastSignals = cloneSignals(signals)
	t.lastSells = sells
}

// Record folds transactions made outside a regular cycle, such as a final liquidation, without
// scoring predictions or judging sells against the current bars.
func (t *Tracker) Record(portfolios map[string]portfolio.Portfolio, reports []ledger.Report, latest map[string]market.Bar) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.holdProfit(portfolios, latest)
	t.fold(reports)
}

func (t *Tracker) holdProfit(portfolios map[string]portfolio.Portfolio, latest map[string]market.Bar) {
	s := &t.state
	if n := len(portfolios); n > 0 {
		perPortfolio := s.InitialCapital / float64(n)
		s.HoldProfit = 0
		for sym, p := range portfolios {
			if bar, ok := latest[sym]; ok {
				s.HoldProfit += p.HoldProfit(bar.Close, perPortfolio)
			}
		}
	}
}

// fold appends reports and updates the buy and sell tallies. It returns the sells.
func (t *Tracker) fold(reports []ledger.Report) []ledger.Report {
	s := &t.state
	s.Transactions = append(s.Transactions, reports...)
	var sells []ledger.Report
	for _, r := range reports {
		if !r.IsSell() {
			s.Buys[r.Symbol]++
			s.TotalBuys++
			continue
		}
		sells = append(sells, r)
		s.TotalSells++
		s.StrategyProfit = r.TotalPL
		switch {
		case r.TradePL > 0:
			s.GoodBuys = append(s.GoodBuys, r)
			if s.LargestProfit == nil || r.TradePL > s.LargestProfit.PL {
				s.LargestProfit = history(r)
			}
		case r.TradePL < 0:
			s.BadBuys = append(s.BadBuys, r)
			if s.LargestLoss == nil || r.TradePL < s.LargestLoss.PL {
				s.LargestLoss = history(r)
			}
		}
	}
	return sells
}

func (t *Tracker) scorePredictions(latest map[string]market.Bar) {
	for sym, signals := range t.lastSignals {
		prev, okPrev := t.lastBars[sym]
		cur, ok := latest[sym]
		if !ok || !okPrev || prev.Close <= 0 {
			continue
		}
		label := Label(prev.Close, cur.Close)
		stats := t.state.PredictionStats[sym]
		if stats == nil {
			stats = map[string]Stat{}
			t.state.PredictionStats[sym] = stats
		}
		for _, sig := range signals {
			st := stats[sig.Source]
			st.Total++
			switch {
			case sig.Direction == predict.Unsure:
				st.Unsure++
			case label == predict.Unsure:
			case sig.Direction == label:
				st.Correct++
			default:
				st.Incorrect++
			}
			st.Percentage = float64(st.Correct) / float64(st.Total) * 100
			stats[sig.Source] = st
		}
	}
}

// Label discretizes a close-to-close move into down, flat (Unsure) or up.
func Label(prev, cur float64) predict.Direction {
	if prev <= 0 {
		return predict.Unsure
	}
	change := (cur - prev) / prev
	switch {
	case change > LabelThreshold:
		return predict.Up
	case change < -LabelThreshold:
		return predict.Down
	default:
		return predict.Unsure
	}
}

// Snapshot returns a deep copy safe to hand to external readers.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state
	s.Buys = maps.Clone(s.Buys)
	s.LargestProfit = cloneHistory(s.LargestProfit)
	s.LargestLoss = cloneHistory(s.LargestLoss)
	s.LargestMissedProfit = cloneHistory(s.LargestMissedProfit)
	s.GoodBuys = append([]ledger.Report(nil), s.GoodBuys...)
	s.BadBuys = append([]ledger.Report(nil), s.BadBuys...)
	s.BadSells = append([]ledger.Report(nil), s.BadSells...)
	s.Transactions = append([]ledger.Report(nil), s.Transactions...)
	s.PredictionStats = make(map[string]map[string]Stat, len(t.state.PredictionStats))
	for sym, stats := range t.state.PredictionStats {
		s.PredictionStats[sym] = maps.Clone(stats)
	}
	return s
}

func history(r ledger.Report) *History {
	return &History{Symbol: r.Symbol, PurchaseDate: r.PurchaseDate, SellDate: r.Time, PL: r.TradePL}
}

func cloneHistory(h *History) *History {
	if h == nil {
		return nil
	}
	c := *h
	return &c
}

func cloneSignals(in map[string][]predict.Signal) map[string][]predict.Signal {
	out := make(map[string][]predict.Signal, len(in))
	for sym, sigs := range in {
		out[sym] = append([]predict.Signal(nil), sigs...)
	}
	return out
}
