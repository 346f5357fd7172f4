package strategy

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"tradebot-go/internal/predict"
)

// Constructor builds a strategy from shared params.
type Constructor func(Params) Strategy

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
	aliases    = map[string]string{}
)

// Register adds a strategy kind under name and any aliases. Registering a taken name panics.
func Register(name string, ctor Constructor, alias ...string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	name = normalize(name)
	if _, dup := registry[name]; dup {
		panic("strategy: duplicate registration of " + name)
	}
	registry[name] = ctor
	for _, a := range alias {
		aliases[normalize(a)] = name
	}
}

// Build returns a strategy implementation matching the configured kind.
func Build(kind string, params Params) (Strategy, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	name := normalize(kind)
	if target, ok := aliases[name]; ok {
		name = target
	}
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy kind %q (known: %s)", kind, strings.Join(kindsLocked(), ", "))
	}
	return ctor(params), nil
}

// Kinds lists registered strategy kinds.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return kindsLocked()
}

func kindsLocked() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func momentum(p Params) predict.Predictor {
	return predict.NewMomentum(p.MomentumThreshold, p.MomentumWindow, p.MomentumMinVolume)
}

func imbalance(p Params) predict.Predictor {
	return predict.NewImbalance(p.ImbalanceThreshold, p.ImbalanceWindow)
}

func crossover(p Params) predict.Predictor {
	return predict.NewCrossover(p.EMAFast, p.EMASlow, p.RSIPeriod)
}

func init() {
	Register("momentum", func(p Params) Strategy {
		return NewPipeline("momentum", p, momentum(p))
	}, "trend", "trend_follow", "trend_follower")
	Register("imbalance", func(p Params) Strategy {
		return NewPipeline("imbalance", p, imbalance(p))
	}, "obi", "obi_momentum")
	Register("ema_rsi", func(p Params) Strategy {
		return NewPipeline("ema_rsi", p, crossover(p))
	}, "indicator", "crossover")
	Register("macd", func(p Params) Strategy {
		return NewPipeline("macd", p, predict.NewMACD(0, 0, 0))
	})
	Register("ensemble", func(p Params) Strategy {
		return NewPipeline("ensemble", p, momentum(p), crossover(p), predict.NewMACD(0, 0, 0))
	}, "consensus")
	Register("static", func(p Params) Strategy {
		conf := p.StaticConfidence
		if conf <= 0 {
			conf = 0.9
		}
		return NewPipeline("static", p, predict.Static{Dir: predict.Up, Conf: conf})
	})
}
