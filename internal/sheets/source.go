// Package sheets connects workbooks to the crosstab engine: it streams a
// sheet range as a source table and writes built grids back as sheets.
package sheets

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/vinodismyname/xcelpivot/internal/crosstab"
	"github.com/xuri/excelize/v2"
)

// Bounds is a resolved rectangular range with 1-based coordinates.
type Bounds struct {
	X1, Y1, X2, Y2 int
	// Ref is the normalized "A1:D20" text without a sheet qualifier.
	Ref string
}

func (b Bounds) Cols() int { return b.X2 - b.X1 + 1 }
func (b Bounds) Rows() int { return b.Y2 - b.Y1 + 1 }

var (
	// ErrInvalidRange reports an unparseable range or an unknown defined name.
	ErrInvalidRange  = errors.New("sheets: invalid range")
	ErrSheetNotFound = errors.New("sheets: sheet not found")
)

// ResolveRange parses an A1-style range or a defined name relative to sheet.
func ResolveRange(f *excelize.File, sheet, input string) (Bounds, error) {
	in := strings.TrimSpace(input)
	if in == "" {
		return Bounds{}, fmt.Errorf("%w: empty", ErrInvalidRange)
	}
	if s, rest, ok := strings.Cut(in, "!"); ok {
		s = strings.Trim(s, "'")
		if s != "" && !strings.EqualFold(s, sheet) {
			return Bounds{}, fmt.Errorf("%w: sheet mismatch", ErrInvalidRange)
		}
		in = rest
	}
	if strings.Contains(in, ":") {
		b, ok := parseRef(in)
		if !ok {
			return Bounds{}, fmt.Errorf("%w: %s", ErrInvalidRange, input)
		}
		return b, nil
	}
	for _, dn := range f.GetDefinedName() {
		if dn.Name != in {
			continue
		}
		ref := strings.TrimPrefix(dn.RefersTo, "=")
		if s, rest, ok := strings.Cut(ref, "!"); ok {
			s = strings.Trim(s, "'")
			if s != "" && !strings.EqualFold(s, sheet) {
				continue
			}
			ref = rest
		}
		if b, ok := parseRef(strings.ReplaceAll(ref, "$", "")); ok {
			return b, nil
		}
	}
	return Bounds{}, fmt.Errorf("%w: %s", ErrInvalidRange, input)
}

func parseRef(ref string) (Bounds, bool) {
	l, r, ok := strings.Cut(ref, ":")
	if !ok || strings.Contains(r, ":") {
		return Bounds{}, false
	}
	x1, y1, err1 := excelize.CellNameToCoordinates(l)
	x2, y2, err2 := excelize.CellNameToCoordinates(r)
	if err1 != nil || err2 != nil {
		return Bounds{}, false
	}
	if x2 < x1 {
		x1, x2 = x2, x1
	}
	if y2 < y1 {
		y1, y2 = y2, y1
	}
	tl, _ := excelize.CoordinatesToCellName(x1, y1)
	br, _ := excelize.CoordinatesToCellName(x2, y2)
	return Bounds{X1: x1, Y1: y1, X2: x2, Y2: y2, Ref: tl + ":" + br}, true
}

// RangeSource streams a sheet range as a crosstab source. The first range
// row is the header. Only the header and the current row are held in
// memory; asking for an earlier row restarts the stream, so a rebuild reads
// the sheet again from the top.
//
// A RangeSource serves one build at a time. Read errors end the table early
// and are reported by Err.
type RangeSource struct {
	f      *excelize.File
	sheet  string
	bounds Bounds
	header []string

	rows    *excelize.Rows
	sheetAt int // sheet row the iterator is positioned on
	current int // source row held in vals, -1 when none
	raw     []string
	vals    []any
	err     error
}

// NewRangeSource opens sheet!input of f and reads its header row.
func NewRangeSource(f *excelize.File, sheet, input string) (*RangeSource, error) {
	if idx, err := f.GetSheetIndex(sheet); err != nil || idx == -1 {
		return nil, fmt.Errorf("%w: %q", ErrSheetNotFound, sheet)
	}
	b, err := ResolveRange(f, sheet, input)
	if err != nil {
		return nil, err
	}
	s := &RangeSource{f: f, sheet: sheet, bounds: b, current: -1}
	if err := s.restart(); err != nil {
		return nil, err
	}
	s.header = make([]string, b.Cols())
	if s.advance(b.Y1) {
		for i, v := range s.raw {
			s.header[i] = strings.TrimSpace(v)
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s, nil
}

// Bounds is the resolved range.
func (s *RangeSource) Bounds() Bounds { return s.bounds }

// Header returns the header row texts.
func (s *RangeSource) Header() []string { return append([]string(nil), s.header...) }

// Err returns the first read error.
func (s *RangeSource) Err() error { return s.err }

func (s *RangeSource) ColCount() int       { return s.bounds.Cols() }
func (s *RangeSource) HeaderRowCount() int { return 1 }

func (s *RangeSource) MoreRows(row int) bool {
	if row == 0 {
		return true
	}
	if row == s.current {
		return true
	}
	if row < s.current {
		if err := s.restart(); err != nil {
			s.err = err
			return false
		}
	}
	target := s.bounds.Y1 + row
	if target > s.bounds.Y2 {
		return false
	}
	if !s.advance(target) {
		return false
	}
	s.current = row
	return true
}

func (s *RangeSource) Object(row, col int) any {
	if col < 0 || col >= len(s.header) {
		return nil
	}
	if row == 0 {
		return s.header[col]
	}
	if row != s.current || col >= len(s.vals) {
		return nil
	}
	return s.vals[col]
}

// Close releases the row iterator.
func (s *RangeSource) Close() error {
	if s.rows == nil {
		return nil
	}
	err := s.rows.Close()
	s.rows = nil
	return err
}

func (s *RangeSource) restart() error {
	if s.rows != nil {
		_ = s.rows.Close()
	}
	rows, err := s.f.Rows(s.sheet)
	if err != nil {
		return fmt.Errorf("sheets: open rows of %q: %w", s.sheet, err)
	}
	s.rows, s.sheetAt, s.current = rows, 0, -1
	return nil
}

// advance moves the iterator to sheet row target and converts the range part of it.
func (s *RangeSource) advance(target int) bool {
	if s.rows == nil {
		return false
	}
	for s.sheetAt < target {
		if !s.rows.Next() {
			if err := s.rows.Error(); err != nil && s.err == nil {
				s.err = fmt.Errorf("sheets: read %q: %w", s.sheet, err)
			}
			return false
		}
		s.sheetAt++
	}
	cols, err := s.rows.Columns()
	if err != nil {
		s.err = fmt.Errorf("sheets: read %q row %d: %w", s.sheet, target, err)
		return false
	}
	n := s.bounds.Cols()
	if cap(s.vals) < n {
		s.vals, s.raw = make([]any, n), make([]string, n)
	}
	s.vals, s.raw = s.vals[:n], s.raw[:n]
	for i := 0; i < n; i++ {
		abs := s.bounds.X1 + i - 1
		s.raw[i] = ""
		if abs < len(cols) {
			s.raw[i] = cols[abs]
		}
		s.vals[i] = Convert(s.raw[i])
	}
	return true
}

// Convert types a formatted cell text: blank is nil, then booleans, numbers
// (currency symbols and thousands separators allowed), percentages as
// fractions, dates in common layouts, and finally the trimmed text.
func Convert(cell string) any {
	s := strings.TrimSpace(cell)
	if s == "" {
		return nil
	}
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	if f, ok := parseNumber(s); ok {
		return f
	}
	if t, ok := crosstab.ToTime(s); ok {
		return t
	}
	return s
}

func parseNumber(s string) (float64, bool) {
	neg := strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")")
	if neg {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	pct := strings.HasSuffix(s, "%")
	if pct {
		s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
	}
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ',', '$':
			return -1
		default:
			return r
		}
	}, s)
	if clean == "" || !strings.ContainsAny(clean[:1], "0123456789.+-") {
		return 0, false
	}
	f, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return 0, false
	}
	if neg {
		f = -f
	}
	if pct {
		f /= 100
	}
	return f, true
}
