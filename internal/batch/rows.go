package batch

import (
	"io"

	"github.com/dvloznov/finance-sync/internal/domain"
)

// Row is one source record: either a candidate or the reason it could not
// be parsed.
type Row struct {
	// Line is the 1-based position in the source, for error messages.
	Line      int
	Candidate domain.CandidateTransaction
	Err       error
}

// Rows is a lazy, ordered sequence of rows. Next returns io.EOF when done.
type Rows interface {
	Next() (Row, error)
}

// Sized is implemented by row sources that know their length up front.
type Sized interface {
	Len() int
}

// SliceRows serves rows from memory.
type SliceRows struct {
	rows []Row
	pos  int
}

// NewSliceRows wraps rows.
func NewSliceRows(rows []Row) *SliceRows {
	return &SliceRows{rows: rows}
}

// Next implements Rows.
func (s *SliceRows) Next() (Row, error) {
	if s.pos >= len(s.rows) {
		return Row{}, io.EOF
	}
	r := s.rows[s.pos]
	s.pos++
	return r, nil
}

// Len implements Sized.
func (s *SliceRows) Len() int {
	return len(s.rows)
}

// Candidates wraps plain candidates as rows numbered from 1.
func Candidates(cs ...domain.CandidateTransaction) []Row {
	rows := make([]Row, len(cs))
	for i, c := range cs {
		rows[i] = Row{Line: i + 1, Candidate: c}
	}
	return rows
}
