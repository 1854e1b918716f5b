package importer

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-sync/internal/batch"
	"github.com/dvloznov/finance-sync/internal/domain"
)

// Format is a recognised CSV export layout.
type Format string

const (
	// FormatGeneric is date, description, amount with optional merchant,
	// account, category and currency columns. Amounts are signed.
	FormatGeneric Format = "generic"

	// FormatCopilot is a Copilot Money export: date, name, amount, type.
	// Spending is positive in the file.
	FormatCopilot Format = "copilot"

	// FormatCapitalOne is a Capital One export with transaction date,
	// amount, description and a Debit/Credit type column.
	FormatCapitalOne Format = "capital-one"
)

// DetectFormat picks a layout from a lower-cased header set.
func DetectFormat(headers []string) Format {
	set := make(map[string]bool, len(headers))
	for _, h := range headers {
		set[h] = true
	}
	switch {
	case set["date"] && set["name"] && set["amount"] && set["type"]:
		return FormatCopilot
	case set["transaction date"] && set["transaction amount"] && set["transaction description"]:
		return FormatCapitalOne
	case set["date"] && set["description"] && set["amount"]:
		return FormatGeneric
	}
	return ""
}

var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"01/02/06",
	"1/2/06",
	"2006/01/02",
}

// ParseDate accepts ISO and US-style dates.
func ParseDate(s string) (civil.Date, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return civil.DateOf(t), nil
		}
	}
	return civil.Date{}, fmt.Errorf("unrecognised date %q", s)
}

// ParseAmount accepts "1,234.56", "$12.00", "-3" and "(4.50)".
func ParseAmount(s string) (decimal.Decimal, error) {
	raw := s
	s = strings.TrimSpace(s)
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = s[1 : len(s)-1]
	}
	s = strings.NewReplacer("$", "", ",", "", " ", "").Replace(s)
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("empty amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("amount %q is not a number", raw)
	}
	if neg {
		d = d.Neg()
	}
	return d, nil
}

// Reader turns CSV records into batch rows lazily. It implements
// batch.Rows and batch.Sized.
type Reader struct {
	r              *csv.Reader
	format         Format
	cols           map[string]int
	defaultAccount string
	total          int
}

// NewReader reads the header of data and prepares a row reader.
// defaultAccount is used for rows without an account column value.
// An unreadable header or an unknown layout is a ValidationError.
func NewReader(data []byte, defaultAccount string) (*Reader, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err == io.EOF {
		return nil, domain.NewValidationError("file", "CSV is empty")
	}
	if err != nil {
		return nil, domain.NewValidationError("file", fmt.Sprintf("unreadable CSV header: %v", err))
	}

	cols := make(map[string]int, len(header))
	names := make([]string, len(header))
	for i, h := range header {
		names[i] = strings.ToLower(strings.TrimSpace(h))
		if _, dup := cols[names[i]]; !dup {
			cols[names[i]] = i
		}
	}
	format := DetectFormat(names)
	if format == "" {
		return nil, domain.NewValidationError("header", fmt.Sprintf("unrecognised CSV layout: %s", strings.Join(names, ",")))
	}

	return &Reader{
		r:              r,
		format:         format,
		cols:           cols,
		defaultAccount: defaultAccount,
		total:          countRecords(data),
	}, nil
}

// countRecords counts data rows without interpreting them.
func countRecords(data []byte) int {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	n := 0
	for {
		_, err := r.Read()
		if err == io.EOF {
			break
		}
		n++
	}
	if n > 0 {
		n--
	}
	return n
}

// Format returns the detected layout.
func (r *Reader) Format() Format { return r.format }

// Len implements batch.Sized.
func (r *Reader) Len() int { return r.total }

// Next implements batch.Rows. Malformed records come back as rows carrying
// an error so they are counted, not fatal.
func (r *Reader) Next() (batch.Row, error) {
	rec, err := r.r.Read()
	if err == io.EOF {
		return batch.Row{}, io.EOF
	}
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return batch.Row{Line: pe.Line, Err: pe.Err}, nil
	}
	if err != nil {
		return batch.Row{}, err
	}

	line, _ := r.r.FieldPos(0)
	c, err := r.convert(rec)
	return batch.Row{Line: line, Candidate: c, Err: err}, nil
}

func (r *Reader) field(rec []string, name string) string {
	i, ok := r.cols[name]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func (r *Reader) convert(rec []string) (domain.CandidateTransaction, error) {
	var (
		c      domain.CandidateTransaction
		rawAmt string
		err    error
	)
	switch r.format {
	case FormatCopilot:
		c.Description = r.field(rec, "name")
		c.Category = r.field(rec, "category")
		c.AccountID = r.field(rec, "account")
		c.Pending = strings.EqualFold(r.field(rec, "status"), "pending")
		rawAmt = r.field(rec, "amount")
		if c.Date, err = ParseDate(r.field(rec, "date")); err != nil {
			return c, err
		}
		if c.Amount, err = ParseAmount(rawAmt); err != nil {
			return c, err
		}
		c.Amount = c.Amount.Neg()

	case FormatCapitalOne:
		c.Description = r.field(rec, "transaction description")
		if acct := r.field(rec, "account number"); acct != "" {
			c.AccountID = "Capital One " + acct
		}
		rawAmt = r.field(rec, "transaction amount")
		if c.Date, err = ParseDate(r.field(rec, "transaction date")); err != nil {
			return c, err
		}
		if c.Amount, err = ParseAmount(rawAmt); err != nil {
			return c, err
		}
		switch strings.ToLower(r.field(rec, "transaction type")) {
		case "debit":
			c.Amount = c.Amount.Abs().Neg()
		case "credit":
			c.Amount = c.Amount.Abs()
		}

	default:
		c.Description = r.field(rec, "description")
		c.MerchantName = r.field(rec, "merchant")
		c.Category = r.field(rec, "category")
		c.Currency = strings.ToUpper(r.field(rec, "currency"))
		c.AccountID = r.field(rec, "account")
		if c.Date, err = ParseDate(r.field(rec, "date")); err != nil {
			return c, err
		}
		if c.Amount, err = ParseAmount(r.field(rec, "amount")); err != nil {
			return c, err
		}
	}

	if c.AccountID == "" {
		c.AccountID = r.defaultAccount
	}
	if c.AccountID == "" {
		return c, fmt.Errorf("no account: add an account column or pass accountId")
	}
	return c, nil
}

var _ batch.Rows = (*Reader)(nil)
var _ batch.Sized = (*Reader)(nil)
