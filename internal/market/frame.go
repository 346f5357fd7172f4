package market

import (
	"math"
	"sort"
)

const (
	// DefaultWindow caps the rolling window kept per symbol while trading live.
	DefaultWindow = 200
	// mergeTail bounds how many trailing bars of a fetch are considered for a merge.
	mergeTail = 2
)

// Frame holds a symbol's bars plus per-bar annotation columns (signal directions written
// back during a backtest). Missing annotation values are NaN.
type Frame struct {
	Symbol      string
	Bars        Series
	Annotations map[string][]float64
}

// NewFrame builds a frame from bars, sorting by time and dropping duplicate timestamps.
func NewFrame(symbol string, bars Series) *Frame {
	sorted := make(Series, len(bars))
	copy(sorted, bars)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	deduped := sorted[:0]
	for i, b := range sorted {
		if i > 0 && b.Time.Equal(deduped[len(deduped)-1].Time) {
			continue
		}
		deduped = append(deduped, b)
	}
	return &Frame{Symbol: symbol, Bars: deduped, Annotations: map[string][]float64{}}
}

// Len returns the number of bars.
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Bars)
}

// Last returns the newest bar.
func (f *Frame) Last() (Bar, bool) {
	if f == nil {
		return Bar{}, false
	}
	return f.Bars.Last()
}

// Head returns a view over the first n bars. The view shares storage with f.
func (f *Frame) Head(n int) *Frame {
	if n > len(f.Bars) {
		n = len(f.Bars)
	}
	if n < 0 {
		n = 0
	}
	view := &Frame{Symbol: f.Symbol, Bars: f.Bars[:n:n], Annotations: make(map[string][]float64, len(f.Annotations))}
	for name, col := range f.Annotations {
		m := n
		if len(col) < m {
			m = len(col)
		}
		view.Annotations[name] = col[:m:m]
	}
	return view
}

// Tail returns a copy of the last n bars and their annotations.
func (f *Frame) Tail(n int) *Frame {
	start := len(f.Bars) - n
	if start < 0 {
		start = 0
	}
	out := &Frame{Symbol: f.Symbol, Bars: append(Series(nil), f.Bars[start:]...), Annotations: make(map[string][]float64, len(f.Annotations))}
	for name, col := range f.Annotations {
		if start >= len(col) {
			out.Annotations[name] = []float64{}
			continue
		}
		out.Annotations[name] = append([]float64(nil), col[start:]...)
	}
	return out
}

// Clone deep-copies the frame.
func (f *Frame) Clone() *Frame {
	return f.Tail(len(f.Bars))
}

// Merge appends the trailing bars of incoming that are newer than the frame's last bar and
// not already present, then trims the front so at most limit rows remain. Re-merging bars
// that already exist is a no-op. It returns how many bars were added.
func (f *Frame) Merge(incoming Series, limit int) int {
	if len(incoming) == 0 {
		return 0
	}
	start := len(incoming) - mergeTail
	if start < 0 {
		start = 0
	}
	seen := make(map[int64]struct{}, len(f.Bars))
	for _, b := range f.Bars {
		seen[b.Time.UnixNano()] = struct{}{}
	}

	added := 0
	for _, b := range incoming[start:] {
		if _, ok := seen[b.Time.UnixNano()]; ok {
			continue
		}
		if last, ok := f.Bars.Last(); ok && !b.Time.After(last.Time) {
			continue
		}
		f.Bars = append(f.Bars, b)
		for name, col := range f.Annotations {
			f.Annotations[name] = append(col, math.NaN())
		}
		seen[b.Time.UnixNano()] = struct{}{}
		added++
	}

	if limit > 0 && len(f.Bars) > limit {
		drop := len(f.Bars) - limit
		f.Bars = append(Series(nil), f.Bars[drop:]...)
		for name, col := range f.Annotations {
			f.Annotations[name] = append([]float64(nil), col[drop:]...)
		}
	}
	return added
}

// Annotate stores v for the named column at bar index i, creating the column on first use.
func (f *Frame) Annotate(name string, i int, v float64) {
	if i < 0 || i >= len(f.Bars) {
		return
	}
	if f.Annotations == nil {
		f.Annotations = map[string][]float64{}
	}
	col, ok := f.Annotations[name]
	if !ok {
		col = make([]float64, len(f.Bars))
		for j := range col {
			col[j] = math.NaN()
		}
	}
	for len(col) < len(f.Bars) {
		col = append(col, math.NaN())
	}
	col[i] = v
	f.Annotations[name] = col
}

// Annotation reads the named column at index i.
func (f *Frame) Annotation(name string, i int) (float64, bool) {
	col, ok := f.Annotations[name]
	if !ok || i < 0 || i >= len(col) || math.IsNaN(col[i]) {
		return 0, false
	}
	return col[i], true
}

// AnnotationNames lists annotation columns in a stable order.
func (f *Frame) AnnotationNames() []string {
	names := make([]string, 0, len(f.Annotations))
	for name := range f.Annotations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Row is one bar with whatever annotations are set at its index.
type Row struct {
	Bar
	Signals map[string]float64 `json:"signals,omitempty"`
}

// Rows flattens the frame for clients; NaN annotations are omitted.
func (f *Frame) Rows() []Row {
	if f == nil {
		return nil
	}
	names := f.AnnotationNames()
	out := make([]Row, len(f.Bars))
	for i, b := range f.Bars {
		out[i].Bar = b
		for _, name := range names {
			v, ok := f.Annotation(name, i)
			if !ok {
				continue
			}
			if out[i].Signals == nil {
				out[i].Signals = make(map[string]float64, len(names))
			}
			out[i].Signals[name] = v
		}
	}
	return out
}
