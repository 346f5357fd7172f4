package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// JSONLRecorder appends reports as JSON lines for later analysis.
type JSONLRecorder struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewJSONLRecorder creates/opens the target file and returns a recorder.
func NewJSONLRecorder(path string) (*JSONLRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &JSONLRecorder{file: file, enc: json.NewEncoder(file)}, nil
}

// Notify writes a single report to the underlying JSONL file.
func (r *JSONLRecorder) Notify(rep Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return
	}
	_ = r.enc.Encode(rep)
}

// Close closes the file handle.
func (r *JSONLRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// LogNotifier logs every transaction at info level.
type LogNotifier struct {
	Log zerolog.Logger
}

// Notify logs rep.
func (n LogNotifier) Notify(rep Report) {
	ev := n.Log.Info().
		Str("sym", rep.Symbol).
		Str("type", string(rep.Type)).
		Float64("px", rep.Price).
		Float64("qty", rep.Quantity).
		Float64("total_pl", rep.TotalPL)
	if rep.IsSell() {
		ev = ev.Float64("trade_pl", rep.TradePL).Int("held", rep.HoldLength)
	}
	ev.Msg("transaction")
}
