package crosstab

import "github.com/vinodismyname/xcelpivot/internal/values"

// Source is the pull-based table the aggregation pass reads. Rows before
// HeaderRowCount hold column names; MoreRows may block until row is
// available and returns false once the table is exhausted.
type Source interface {
	MoreRows(row int) bool
	Object(row, col int) any
	ColCount() int
	HeaderRowCount() int
}

// SliceSource is an in-memory Source. The first row is the header when Header is set.
type SliceSource struct {
	Header []string
	Rows   [][]any
}

func (s *SliceSource) MoreRows(row int) bool { return row < s.HeaderRowCount()+len(s.Rows) }

func (s *SliceSource) Object(row, col int) any {
	if row < s.HeaderRowCount() {
		if col < len(s.Header) {
			return s.Header[col]
		}
		return nil
	}
	r := s.Rows[row-s.HeaderRowCount()]
	if col < len(r) {
		return r[col]
	}
	return nil
}

func (s *SliceSource) ColCount() int {
	n := len(s.Header)
	for _, r := range s.Rows {
		n = max(n, len(r))
	}
	return n
}

func (s *SliceSource) HeaderRowCount() int {
	if s.Header != nil {
		return 1
	}
	return 0
}

// columnName returns the header text of col, or a spreadsheet-style letter.
func columnName(src Source, col int) string {
	if src.HeaderRowCount() > 0 {
		if v := values.Format(src.Object(0, col)); v != "" {
			return v
		}
	}
	name := ""
	for n := col + 1; n > 0; n = (n - 1) / 26 {
		name = string(rune('A'+(n-1)%26)) + name
	}
	return name
}

type rowView struct {
	src Source
	row int
}

func (r rowView) Object(col int) any { return r.src.Object(r.row, col) }
