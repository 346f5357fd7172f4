package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"tradebot-go/internal/config"
)

const defaultConfigPath = "configs/config.yaml"

type console struct {
	rl        *readline.Instance
	statePath string
	state     config.State
}

func main() {
	_ = godotenv.Load()

	path := os.Getenv("TRADEBOT_CONFIG")
	if path == "" {
		path = defaultConfigPath
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	rl, err := readline.New("> ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open terminal: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	c := &console{rl: rl, statePath: cfg.Storage.StatePath}
	c.reload()

	for {
		fmt.Println("\n=== TradeBot Control ===")
		fmt.Println("1) Show strategies")
		fmt.Println("2) Edit capital and stop loss")
		fmt.Println("3) Edit prediction thresholds")
		fmt.Println("4) Toggle active flag")
		fmt.Println("5) Save state")
		fmt.Println("6) Launch service")
		fmt.Println("7) Reload state from disk")
		fmt.Println("0) Exit")

		choice, ok := c.prompt("Select option: ")
		if !ok {
			return
		}
		switch choice {
		case "1":
			c.printSummary()
		case "2":
			c.editCapital()
		case "3":
			c.editThresholds()
		case "4":
			c.toggleActive()
		case "5":
			if err := config.SaveState(c.statePath, c.state); err != nil {
				fmt.Fprintf(os.Stderr, "save failed: %v\n", err)
			} else {
				fmt.Println("state saved to", c.statePath)
			}
		case "6":
			c.launchService()
		case "7":
			c.reload()
		case "0":
			return
		default:
			fmt.Println("unknown option")
		}
	}
}

// prompt reads one trimmed line. ok is false on EOF or Ctrl+C.
func (c *console) prompt(label string) (string, bool) {
	c.rl.SetPrompt(label)
	line, err := c.rl.Readline()
	if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
		return "", false
	}
	return strings.TrimSpace(line), err == nil
}

func (c *console) reload() {
	st, err := config.LoadState(c.statePath, zerolog.Nop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "state not loaded: %v\n", err)
	}
	c.state = st
	fmt.Printf("%d strategies loaded from %s\n", len(st.Strategies), c.statePath)
}

func (c *console) printSummary() {
	fmt.Println("\n--- Strategies ---")
	if len(c.state.Strategies) == 0 {
		fmt.Println("(none)")
		return
	}
	for _, name := range c.state.Names() {
		info := c.state.Strategies[name]
		symbols := make([]string, 0, len(info.Contracts))
		for _, ct := range info.Contracts {
			symbols = append(symbols, ct.Symbol)
		}
		fmt.Printf("%s [%s] active=%t\n", name, info.Kind, info.Active)
		fmt.Printf("  contracts: %s\n", strings.Join(symbols, ", "))
		fmt.Printf("  capital: initial $%.2f | available $%.2f | equity $%.2f\n",
			info.InitialCapital, info.AvailableCapital, info.Equity)
		fmt.Printf("  frequency %s | stop loss %.2f%% | default threshold %.2f\n",
			info.Trade.Frequency, info.Trade.StopLossPct*100, info.Params.DefaultThreshold)
		for sym, p := range info.Portfolios {
			if p.HasPosition {
				fmt.Printf("  %s: qty %.6f @ %.4f stop %.4f\n", sym, p.Quantity, p.PurchasePrice, p.StopLossPrice)
			}
		}
	}
}

func (c *console) pick() (config.StrategyInfo, bool) {
	name, ok := c.prompt("Strategy name: ")
	if !ok || name == "" {
		return config.StrategyInfo{}, false
	}
	info, found := c.state.Strategies[name]
	if !found {
		fmt.Println("unknown strategy", name)
	}
	return info, found
}

func (c *console) editCapital() {
	info, ok := c.pick()
	if !ok {
		return
	}
	fmt.Println("\n--- Edit Capital / Stop Loss ---")
	capital := c.promptFloat("Initial capital", info.InitialCapital)
	if capital > 0 && capital != info.InitialCapital {
		info.InitialCapital = capital
		info.AvailableCapital = capital
		info.Equity = capital
	}
	info.Trade.StopLossPct = c.promptPercent("Stop loss (%)", info.Trade.StopLossPct)
	c.state.Strategies[info.Name] = info
}

func (c *console) editThresholds() {
	info, ok := c.pick()
	if !ok {
		return
	}
	fmt.Println("\n--- Edit Thresholds ---")
	info.Params.DefaultThreshold = c.promptFloat("Default threshold", info.Params.DefaultThreshold)
	for _, ct := range info.Contracts {
		current, set := info.Params.Thresholds[ct.Symbol]
		if !set {
			current = info.Params.DefaultThreshold
		}
		v := c.promptFloat(ct.Symbol+" threshold", current)
		if v == info.Params.DefaultThreshold {
			delete(info.Params.Thresholds, ct.Symbol)
			continue
		}
		if info.Params.Thresholds == nil {
			info.Params.Thresholds = map[string]float64{}
		}
		info.Params.Thresholds[ct.Symbol] = v
	}
	c.state.Strategies[info.Name] = info
}

func (c *console) toggleActive() {
	info, ok := c.pick()
	if !ok {
		return
	}
	info.Active = !info.Active
	c.state.Strategies[info.Name] = info
	fmt.Printf("%s active=%t (save to apply on next service start)\n", info.Name, info.Active)
}

func (c *console) launchService() {
	fmt.Println("Launching tradebotd (Ctrl+C to stop)...")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := exec.CommandContext(ctx, "go", "run", "./cmd/tradebotd")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = 10 * time.Second

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start service: %v\n", err)
		return
	}
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	c.prompt("\nPress ENTER to stop the service and return to menu...")
	cancel()
	<-done
	c.reload()
}

func (c *console) promptFloat(label string, current float64) float64 {
	line, ok := c.prompt(fmt.Sprintf("%s [%.2f]: ", label, current))
	if !ok || line == "" {
		return current
	}
	val, err := strconv.ParseFloat(line, 64)
	if err != nil {
		fmt.Printf("invalid number, keeping %.2f\n", current)
		return current
	}
	return val
}

func (c *console) promptPercent(label string, current float64) float64 {
	return c.promptFloat(label, current*100) / 100
}
