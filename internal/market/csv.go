package market

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

var barColumns = []string{"time", "open", "high", "low", "close", "volume"}

// WriteCSV encodes the frame's bars followed by one column per annotation. Missing
// annotation values are written as empty cells.
func WriteCSV(w io.Writer, f *Frame) error {
	names := f.AnnotationNames()
	cw := csv.NewWriter(w)
	if err := cw.Write(append(append([]string(nil), barColumns...), names...)); err != nil {
		return err
	}
	for i, b := range f.Bars {
		row := []string{
			b.Time.UTC().Format(time.RFC3339),
			ftoa(b.Open), ftoa(b.High), ftoa(b.Low), ftoa(b.Close), ftoa(b.Volume),
		}
		for _, name := range names {
			v, ok := f.Annotation(name, i)
			if !ok {
				row = append(row, "")
				continue
			}
			row = append(row, ftoa(v))
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV decodes a frame written by WriteCSV.
func ReadCSV(r io.Reader, symbol string) (*Frame, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) < len(barColumns) {
		return nil, fmt.Errorf("header has %d columns, want at least %d", len(header), len(barColumns))
	}
	names := header[len(barColumns):]

	var bars Series
	var extra [][]float64
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		at, err := time.Parse(time.RFC3339, row[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		vals := make([]float64, len(row)-1)
		for i, cell := range row[1:] {
			if cell == "" {
				vals[i] = math.NaN()
				continue
			}
			if vals[i], err = strconv.ParseFloat(cell, 64); err != nil {
				return nil, fmt.Errorf("line %d column %s: %w", line, header[i+1], err)
			}
		}
		bars = append(bars, Bar{Time: at, Open: vals[0], High: vals[1], Low: vals[2], Close: vals[3], Volume: vals[4]})
		extra = append(extra, vals[5:])
	}

	frame := &Frame{Symbol: symbol, Bars: bars, Annotations: make(map[string][]float64, len(names))}
	for j, name := range names {
		col := make([]float64, len(bars))
		for i := range bars {
			col[i] = extra[i][j]
		}
		frame.Annotations[name] = col
	}
	return frame, nil
}

// SaveCSV writes the frame to path, creating parent directories.
func SaveCSV(path string, f *Frame) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteCSV(file, f); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// LoadCSV reads a frame from path. A missing file returns os.ErrNotExist.
func LoadCSV(path, symbol string) (*Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	frame, err := ReadCSV(file, symbol)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return frame, nil
}

// IsNotExist reports whether err means a cached frame file is absent.
func IsNotExist(err error) bool { return errors.Is(err, os.ErrNotExist) }

func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
