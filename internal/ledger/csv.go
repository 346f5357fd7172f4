package ledger

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"tradebot-go/internal/broker"
)

// Columns is the CSV header of a transaction ledger.
var Columns = []string{"date", "symbol", "type", "price", "quantity", "confidence", "hold_length", "trade_pl", "portfolio_pl", "total_pl"}

// Path returns the ledger file for a strategy; backtests write to a separate file.
func Path(dir, strategy string, backtest bool) string {
	suffix := ""
	if backtest {
		suffix = "_bt"
	}
	return filepath.Join(dir, fmt.Sprintf("%s_transactions%s.csv", strategy, suffix))
}

// CSV appends reports to a CSV file, writing the header when the file is new.
type CSV struct {
	mu   sync.Mutex
	file *os.File
	w    *csv.Writer
}

// OpenCSV opens path for appending. When truncate is set any previous content is discarded.
func OpenCSV(path string, truncate bool) (*CSV, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if truncate {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	l := &CSV{file: file, w: csv.NewWriter(file)}
	if info.Size() == 0 {
		if err := l.write(Columns); err != nil {
			file.Close()
			return nil, err
		}
	}
	return l, nil
}

// Append writes one report row and flushes.
func (l *CSV) Append(r Report) error {
	return l.write([]string{
		r.Time.Format(TimeLayout),
		r.Symbol,
		string(r.Type),
		ftoa(r.Price),
		ftoa(r.Quantity),
		ftoa(r.Confidence),
		strconv.Itoa(r.HoldLength),
		ftoa(r.TradePL),
		ftoa(r.PortfolioPL),
		ftoa(r.TotalPL),
	})
}

func (l *CSV) write(row []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return errors.New("ledger closed")
	}
	if err := l.w.Write(row); err != nil {
		return err
	}
	l.w.Flush()
	return l.w.Error()
}

// Close flushes and closes the file handle.
func (l *CSV) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	l.w.Flush()
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadCSV loads every report from a ledger file. A missing file yields no reports.
func ReadCSV(path string) ([]Report, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.FieldsPerRecord = len(Columns)
	var out []Report
	for line := 0; ; line++ {
		row, err := r.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("read %s: %w", path, err)
		}
		if line == 0 && row[0] == Columns[0] {
			continue
		}
		rep, err := parseRow(row)
		if err != nil {
			return out, fmt.Errorf("%s line %d: %w", path, line+1, err)
		}
		out = append(out, rep)
	}
}

func parseRow(row []string) (Report, error) {
	at, err := time.Parse(TimeLayout, row[0])
	if err != nil {
		return Report{}, err
	}
	nums := make([]float64, 0, 7)
	for _, idx := range []int{3, 4, 5, 7, 8, 9} {
		v, err := strconv.ParseFloat(row[idx], 64)
		if err != nil {
			return Report{}, fmt.Errorf("column %s: %w", Columns[idx], err)
		}
		nums = append(nums, v)
	}
	hold, err := strconv.Atoi(row[6])
	if err != nil {
		return Report{}, fmt.Errorf("column hold_length: %w", err)
	}
	return Report{
		Transaction: broker.Transaction{
			Succeeded:  true,
			Type:       broker.TxType(row[2]),
			Price:      nums[0],
			Quantity:   nums[1],
			Symbol:     row[1],
			Confidence: nums[2],
			Time:       at,
		},
		HoldLength:  hold,
		TradePL:     nums[3],
		PortfolioPL: nums[4],
		TotalPL:     nums[5],
	}, nil
}

func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
