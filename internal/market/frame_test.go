package market

import (
	"testing"
	"time"
)

func barsFrom(start time.Time, step time.Duration, closes ...float64) Series {
	out := make(Series, len(closes))
	for i, c := range closes {
		out[i] = Bar{Time: start.Add(time.Duration(i) * step), Open: c, High: c, Low: c, Close: c, Volume: 1}
	}
	return out
}

func TestNewFrameSortsAndDedupes(t *testing.T) {
	start := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)
	bars := barsFrom(start, time.Minute, 1, 2, 3)
	shuffled := Series{bars[2], bars[0], bars[1], bars[0]}

	frame := NewFrame("AAPL", shuffled)
	if frame.Len() != 3 {
		t.Fatalf("expected 3 bars, got %d", frame.Len())
	}
	for i := 1; i < frame.Len(); i++ {
		if !frame.Bars[i].Time.After(frame.Bars[i-1].Time) {
			t.Fatalf("bars not ordered at %d", i)
		}
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	start := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)
	frame := NewFrame("AAPL", barsFrom(start, time.Minute, 1, 2, 3))

	latest := barsFrom(start.Add(2*time.Minute), time.Minute, 3)
	if added := frame.Merge(latest, DefaultWindow); added != 0 {
		t.Fatalf("expected no rows added, got %d", added)
	}
	if frame.Len() != 3 || frame.Bars[2].Close != 3 {
		t.Fatalf("frame changed on duplicate merge: %+v", frame.Bars)
	}

	next := barsFrom(start.Add(2*time.Minute), time.Minute, 3, 4)
	if added := frame.Merge(next, DefaultWindow); added != 1 {
		t.Fatalf("expected one row added, got %d", added)
	}
	if added := frame.Merge(next, DefaultWindow); added != 0 {
		t.Fatalf("expected second merge to be a no-op, got %d", added)
	}
	if frame.Len() != 4 {
		t.Fatalf("expected 4 rows, got %d", frame.Len())
	}
}

func TestMergeAddsTwoMissingRows(t *testing.T) {
	start := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)
	frame := NewFrame("AAPL", barsFrom(start, time.Minute, 1, 2))

	fetched := barsFrom(start, time.Minute, 1, 2, 3, 4)
	if added := frame.Merge(fetched, DefaultWindow); added != 2 {
		t.Fatalf("expected 2 rows added, got %d", added)
	}
}

func TestMergeCapsWindowAndAnnotations(t *testing.T) {
	start := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)
	frame := NewFrame("BTC-USD", barsFrom(start, time.Minute, 1, 2, 3))
	frame.Annotate("momentum", 0, 1)

	frame.Merge(barsFrom(start.Add(3*time.Minute), time.Minute, 4), 3)
	if frame.Len() != 3 {
		t.Fatalf("expected window of 3, got %d", frame.Len())
	}
	if frame.Bars[0].Close != 2 {
		t.Fatalf("expected oldest row trimmed, got first close %.0f", frame.Bars[0].Close)
	}
	if len(frame.Annotations["momentum"]) != 3 {
		t.Fatalf("annotation column not trimmed: %d", len(frame.Annotations["momentum"]))
	}
	if _, ok := frame.Annotation("momentum", 2); ok {
		t.Fatalf("expected new row to carry no annotation")
	}
}

func TestHeadSharesAnnotations(t *testing.T) {
	start := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)
	frame := NewFrame("AAPL", barsFrom(start, time.Minute, 1, 2, 3, 4))
	frame.Annotate("trend", 1, -1)

	head := frame.Head(2)
	if head.Len() != 2 {
		t.Fatalf("expected 2 bars, got %d", head.Len())
	}
	if v, ok := head.Annotation("trend", 1); !ok || v != -1 {
		t.Fatalf("expected annotation visible through head view")
	}
	last, _ := head.Last()
	if last.Close != 2 {
		t.Fatalf("unexpected last close %.0f", last.Close)
	}
}

func TestCSVRoundTripKeepsAnnotations(t *testing.T) {
	start := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)
	frame := NewFrame("AAPL", barsFrom(start, time.Minute, 10, 11, 12))
	frame.Annotate("macd", 2, 1)

	path := t.TempDir() + "/bars/AAPL.csv"
	if err := SaveCSV(path, frame); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadCSV(path, "AAPL")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Len() != 3 || !loaded.Bars[0].Time.Equal(start) || loaded.Bars[2].Close != 12 {
		t.Fatalf("unexpected bars %+v", loaded.Bars)
	}
	if _, ok := loaded.Annotation("macd", 0); ok {
		t.Fatalf("empty cell should load as missing")
	}
	if v, ok := loaded.Annotation("macd", 2); !ok || v != 1 {
		t.Fatalf("expected annotation 1 at index 2, got %v %v", v, ok)
	}
}

func TestLoadCSVMissingFile(t *testing.T) {
	if _, err := LoadCSV(t.TempDir()+"/nope.csv", "AAPL"); !IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestRowsSkipsMissingAnnotations(t *testing.T) {
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	f := NewFrame("AAPL", Series{{Time: start, Close: 1}, {Time: start.Add(time.Minute), Close: 2}})
	f.Annotate("momentum", 1, -1)

	rows := f.Rows()
	if len(rows) != 2 || rows[1].Close != 2 {
		t.Fatalf("unexpected rows %+v", rows)
	}
	if rows[0].Signals != nil {
		t.Fatalf("expected no signals on the first row, got %v", rows[0].Signals)
	}
	if rows[1].Signals["momentum"] != -1 {
		t.Fatalf("expected momentum annotation, got %v", rows[1].Signals)
	}
}
