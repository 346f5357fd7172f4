package strategy

import (
	"context"
	"fmt"
	"time"

	"tradebot-go/internal/market"
	"tradebot-go/internal/portfolio"
	"tradebot-go/internal/predict"
)

// pendingCreditRatio is the share of a sold position's cost basis counted as freed capital
// when gating this cycle's buy.
const pendingCreditRatio = 0.8

// Trainer is implemented by predictors that fit state from historical frames.
type Trainer interface {
	Train(frames map[string]*market.Frame) error
}

// Pipeline is the canonical decision pipeline. Strategy kinds differ only in the predictors consulted.
type Pipeline struct {
	kind       string
	predictors []predict.Predictor
	params     Params
	prepared   bool
}

// NewPipeline builds a pipeline over predictors.
func NewPipeline(kind string, params Params, predictors ...predict.Predictor) *Pipeline {
	return &Pipeline{kind: kind, predictors: predictors, params: params}
}

func (p *Pipeline) Kind() string { return p.kind }

// Lookback is the largest predictor lookback.
func (p *Pipeline) Lookback() int {
	n := 0
	for _, pr := range p.predictors {
		n = max(n, pr.Lookback())
	}
	return n
}

// Horizon defaults to one bar so the last decision can still be scored.
func (p *Pipeline) Horizon() int {
	if p.params.Horizon > 0 {
		return p.params.Horizon
	}
	return 1
}

// Prepared reports whether Prepare has completed.
func (p *Pipeline) Prepared() bool { return p.prepared }

// Prepare trains on the training window. The analysis window is reported by the analyzer, not consumed here.
func (p *Pipeline) Prepare(ctx context.Context, train, _ map[string]*market.Frame) error {
	if err := p.Train(ctx, train); err != nil {
		return err
	}
	p.prepared = true
	return nil
}

// Train forwards frames to every predictor that can learn from them.
func (p *Pipeline) Train(ctx context.Context, frames map[string]*market.Frame) error {
	for _, pr := range p.predictors {
		if err := ctx.Err(); err != nil {
			return err
		}
		if t, ok := pr.(Trainer); ok {
			if err := t.Train(frames); err != nil {
				return fmt.Errorf("train %s: %w", pr.Name(), err)
			}
		}
	}
	return nil
}

type opportunity struct {
	contract market.Contract
	signal   predict.Signal
	margin   float64
}

// DetermineNextMove evaluates sells for held symbols and buys for the rest, then keeps at most
// one buy: the largest confidence margin above its threshold.
func (p *Pipeline) DetermineNextMove(v View, frames map[string]*market.Frame) (Plan, error) {
	plan := Plan{Signals: make(map[string][]predict.Signal, len(v.Contracts))}
	pending := v.Available
	var best *opportunity

	for _, c := range v.Contracts {
		frame := frames[c.Symbol]
		bar, ok := frame.Last()
		if !ok {
			continue
		}
		signals := p.signals(c.Symbol, frame)
		plan.Signals[c.Symbol] = signals
		sig := primary(signals)

		if pf, held := v.Portfolios[c.Symbol]; held && pf.HasPosition {
			if sell, reason := p.shouldSell(pf, bar, sig, v.Now); sell {
				plan.Decisions = append(plan.Decisions, Decision{
					Move:       Sell,
					Contract:   c,
					Quantity:   Units(pf.Quantity),
					Confidence: sig.Confidence,
					Reason:     reason,
				})
				pending += pf.Quantity * pf.PurchasePrice * pendingCreditRatio
			}
			continue
		}

		if buy, margin := p.shouldBuy(c.Symbol, sig, v.Available, v.Now); buy {
			if best == nil || margin > best.margin {
				best = &opportunity{contract: c, signal: sig, margin: margin}
			}
		}
	}

	if best != nil && p.params.Limits.AllowCycle(pending) {
		plan.Decisions = append(plan.Decisions, Decision{
			Move:       Buy,
			Contract:   best.contract,
			Quantity:   Quantity{Sizing: Max},
			Confidence: best.signal.Confidence,
			Reason:     fmt.Sprintf("%s %s %.2f (+%.2f over threshold)", best.signal.Source, best.signal.Direction, best.signal.Confidence, best.margin),
		})
	}
	return plan, nil
}

// shouldSell applies, in order: stop loss, session cutoff, minimum hold, then the signal.
func (p *Pipeline) shouldSell(pf portfolio.Portfolio, bar market.Bar, sig predict.Signal, now time.Time) (bool, string) {
	if pf.StopLossHit(bar.Close) {
		return true, fmt.Sprintf("stop loss %.4f < %.4f", bar.Close, pf.StopLossPrice)
	}
	if p.params.Session.After(now) {
		return true, "end of session"
	}
	if pf.HoldDuration < p.params.MinHoldBars {
		return false, ""
	}
	if sig.Direction == predict.Up && sig.Confidence >= p.params.Threshold(pf.Symbol) {
		return false, ""
	}
	return true, fmt.Sprintf("%s %s %.2f", sig.Source, sig.Direction, sig.Confidence)
}

func (p *Pipeline) shouldBuy(symbol string, sig predict.Signal, available float64, now time.Time) (bool, float64) {
	if !p.params.Limits.CanOpen(available) || p.params.Session.After(now) {
		return false, 0
	}
	threshold := p.params.Threshold(symbol)
	if sig.Direction != predict.Up || sig.Confidence < threshold {
		return false, 0
	}
	return true, sig.Confidence - threshold
}

// signals runs every predictor and appends a consensus signal when more than one source exists.
func (p *Pipeline) signals(symbol string, frame *market.Frame) []predict.Signal {
	out := make([]predict.Signal, 0, len(p.predictors)+1)
	for _, pr := range p.predictors {
		out = append(out, pr.Predict(symbol, frame))
	}
	if len(out) > 1 {
		out = append(out, predict.Consensus(out))
	}
	return out
}

// primary is the signal decisions are made on: the consensus when present, else the only source.
func primary(signals []predict.Signal) predict.Signal {
	if len(signals) == 0 {
		return predict.Signal{Direction: predict.Unsure}
	}
	return signals[len(signals)-1]
}
