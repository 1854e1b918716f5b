package importer

import (
	"errors"
	"io"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-sync/internal/batch"
	"github.com/dvloznov/finance-sync/internal/domain"
)

func readAll(t *testing.T, r *Reader) []batch.Row {
	t.Helper()
	var rows []batch.Row
	for {
		row, err := r.Next()
		if err == io.EOF {
			return rows
		}
		require.NoError(t, err)
		rows = append(rows, row)
	}
}

func assertAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		headers []string
		want    Format
	}{
		{[]string{"date", "description", "amount"}, FormatGeneric},
		{[]string{"date", "description", "amount", "merchant", "account"}, FormatGeneric},
		{[]string{"date", "name", "amount", "status", "category", "type", "account"}, FormatCopilot},
		{[]string{"account number", "transaction date", "transaction amount", "transaction type", "transaction description"}, FormatCapitalOne},
		{[]string{"when", "what", "how much"}, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DetectFormat(tt.headers), "%v", tt.headers)
	}
}

func TestParseDate(t *testing.T) {
	want := civil.Date{Year: 2024, Month: time.January, Day: 5}
	for _, s := range []string{"2024-01-05", "01/05/2024", "1/5/2024", "01/05/24", "2024/01/05", " 2024-01-05 "} {
		got, err := ParseDate(s)
		require.NoError(t, err, s)
		assert.Equal(t, want, got, s)
	}

	_, err := ParseDate("5th of January")
	assert.Error(t, err)
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"12.50", "12.50"},
		{"-42.50", "-42.50"},
		{"1,234.56", "1234.56"},
		{"$12.00", "12"},
		{"(4.50)", "-4.50"},
		{" -3 ", "-3"},
	}
	for _, tt := range tests {
		got, err := ParseAmount(tt.in)
		require.NoError(t, err, tt.in)
		assertAmount(t, tt.want, got)
	}

	for _, bad := range []string{"", "abc", "$"} {
		_, err := ParseAmount(bad)
		assert.Error(t, err, bad)
	}
}

func TestReader_Generic(t *testing.T) {
	data := "\xef\xbb\xbfDate,Description,Amount,Merchant,Category\n" +
		"2024-01-03,Corner Coffee,-12.50,Corner Coffee Co,Coffee\n" +
		"2024-01-04,\"Rent, January\",\"-1,200.00\",,Housing\n"

	r, err := NewReader([]byte(data), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, FormatGeneric, r.Format())
	assert.Equal(t, 2, r.Len())

	rows := readAll(t, r)
	require.Len(t, rows, 2)

	assert.Equal(t, 2, rows[0].Line)
	require.NoError(t, rows[0].Err)
	c := rows[0].Candidate
	assert.Equal(t, "Corner Coffee", c.Description)
	assert.Equal(t, "Corner Coffee Co", c.MerchantName)
	assert.Equal(t, "Coffee", c.Category)
	assert.Equal(t, "acc-1", c.AccountID)
	assert.Equal(t, civil.Date{Year: 2024, Month: time.January, Day: 3}, c.Date)
	assertAmount(t, "-12.50", c.Amount)
	assert.True(t, c.Valid())

	assert.Equal(t, 3, rows[1].Line)
	assert.Equal(t, "Rent, January", rows[1].Candidate.Description)
	assertAmount(t, "-1200", rows[1].Candidate.Amount)
}

func TestReader_AccountColumnWins(t *testing.T) {
	data := "date,description,amount,account\n" +
		"2024-01-03,Coffee,-3,Savings\n" +
		"2024-01-03,Coffee,-3,\n"

	r, err := NewReader([]byte(data), "acc-1")
	require.NoError(t, err)
	rows := readAll(t, r)
	require.Len(t, rows, 2)
	assert.Equal(t, "Savings", rows[0].Candidate.AccountID)
	assert.Equal(t, "acc-1", rows[1].Candidate.AccountID)
}

func TestReader_Copilot(t *testing.T) {
	data := "date,name,amount,status,category,parent category,excluded,tags,type,account,account mask,note,recurring\n" +
		"2024-01-03,Corner Coffee,12.50,posted,Coffee,Food,false,,regular,Checking,1234,,\n" +
		"2024-01-05,Payroll,-2000.00,pending,Income,,false,,income,Checking,1234,,\n"

	r, err := NewReader([]byte(data), "")
	require.NoError(t, err)
	assert.Equal(t, FormatCopilot, r.Format())

	rows := readAll(t, r)
	require.Len(t, rows, 2)
	require.NoError(t, rows[0].Err)
	assert.Equal(t, "Corner Coffee", rows[0].Candidate.Description)
	assert.Equal(t, "Checking", rows[0].Candidate.AccountID)
	assertAmount(t, "-12.50", rows[0].Candidate.Amount)
	assert.False(t, rows[0].Candidate.Pending)

	assertAmount(t, "2000", rows[1].Candidate.Amount)
	assert.True(t, rows[1].Candidate.Pending)
}

func TestReader_CapitalOne(t *testing.T) {
	data := "Account Number,Transaction Date,Transaction Amount,Transaction Type,Transaction Description,Balance\n" +
		"4321,01/03/24,12.50,Debit,CORNER COFFEE,987.50\n" +
		"4321,01/04/24,100.00,Credit,REFUND,1087.50\n"

	r, err := NewReader([]byte(data), "")
	require.NoError(t, err)
	assert.Equal(t, FormatCapitalOne, r.Format())

	rows := readAll(t, r)
	require.Len(t, rows, 2)
	require.NoError(t, rows[0].Err)
	c := rows[0].Candidate
	assert.Equal(t, "Capital One 4321", c.AccountID)
	assert.Equal(t, "CORNER COFFEE", c.Description)
	assert.Equal(t, civil.Date{Year: 2024, Month: time.January, Day: 3}, c.Date)
	assertAmount(t, "-12.50", c.Amount)
	assertAmount(t, "100", rows[1].Candidate.Amount)
}

func TestReader_RowErrors(t *testing.T) {
	data := "date,description,amount\n" +
		"2024-01-03,Coffee,-3\n" +
		"someday,Coffee,-3\n" +
		"2024-01-04,Coffee,lots\n"

	r, err := NewReader([]byte(data), "acc-1")
	require.NoError(t, err)
	rows := readAll(t, r)
	require.Len(t, rows, 3)

	assert.NoError(t, rows[0].Err)
	assert.Error(t, rows[1].Err)
	assert.Equal(t, 3, rows[1].Line)
	assert.Error(t, rows[2].Err)
	assert.Equal(t, 4, rows[2].Line)
}

func TestReader_NoAccount(t *testing.T) {
	r, err := NewReader([]byte("date,description,amount\n2024-01-03,Coffee,-3\n"), "")
	require.NoError(t, err)
	rows := readAll(t, r)
	require.Len(t, rows, 1)
	assert.ErrorContains(t, rows[0].Err, "no account")
}

func TestNewReader_Rejects(t *testing.T) {
	for name, data := range map[string]string{
		"empty":          "",
		"unknown layout": "when,what,how much\n2024-01-03,Coffee,-3\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewReader([]byte(data), "acc-1")
			var ve *domain.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.False(t, domain.IsRetryable(err))
		})
	}
}

func TestNewReader_HeaderOnly(t *testing.T) {
	r, err := NewReader([]byte("date,description,amount\n"), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, readAll(t, r))
}
