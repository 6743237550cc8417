// Package source reads transaction input files from local disk or Cloud Storage.
package source

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/txn-warehouse/internal/domain"
)

var (
	// ErrInput is the parent of every input file error.
	ErrInput = errors.New("invalid input file")

	ErrMissingColumn   = fmt.Errorf("%w: missing column", ErrInput)
	ErrMissingField    = fmt.Errorf("%w: missing field", ErrInput)
	ErrMalformedRecord = fmt.Errorf("%w: malformed record", ErrInput)
)

// Column names of the input file header.
const (
	ColTransactionID = "transaction_id"
	ColCustomerID    = "customer_id"
	ColMerchantID    = "merchant_id"
	ColTransactionTS = "transaction_ts"
	ColAmount        = "amount"
	ColCurrency      = "currency"
	ColStatus        = "status"
	ColCountry       = "country"
	ColCity          = "city"
	ColPaymentMethod = "payment_method"
	ColCardType      = "card_type"
	ColCategory      = "category"
)

// RequiredColumns must be present in the header and non-empty on every row.
var RequiredColumns = []string{
	ColTransactionID, ColCustomerID, ColMerchantID, ColTransactionTS, ColAmount, ColCurrency, ColStatus,
}

// OptionalColumns may be absent from the header or empty on a row. A column missing
// from the header reads as nil; an empty cell reads as "".
var OptionalColumns = []string{ColCountry, ColCity, ColPaymentMethod, ColCardType, ColCategory}

// Zone-less layouts are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02",
}

// Options controls parsing.
type Options struct {
	Delimiter rune
}

// Batch is a fully parsed input file.
type Batch struct {
	URI      string
	Checksum string
	Records  []domain.StagingRecord
}

// Read loads and parses the file at uri, a local path or gs://bucket/object.
// The whole file is parsed before returning, so a bad row fails the read.
func Read(ctx context.Context, uri string, opts Options) (*Batch, error) {
	var (
		data []byte
		err  error
	)
	if IsGCSURI(uri) {
		data, err = fetchFromGCS(ctx, uri)
	} else {
		data, err = os.ReadFile(uri)
	}
	if err != nil {
		return nil, fmt.Errorf("Read: loading %s: %w", uri, err)
	}

	records, err := Parse(bytes.NewReader(data), opts)
	if err != nil {
		return nil, fmt.Errorf("Read: parsing %s: %w", uri, err)
	}

	return &Batch{URI: uri, Checksum: Checksum(data), Records: records}, nil
}

// Checksum returns the hex SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Parse reads a header-led delimited file into staging records.
func Parse(r io.Reader, opts Options) ([]domain.StagingRecord, error) {
	reader := csv.NewReader(r)
	if opts.Delimiter != 0 {
		reader.Comma = opts.Delimiter
	}
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, "file has no header")
	}
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedRecord, err)
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if _, dup := index[name]; !dup {
			index[name] = i
		}
	}
	for _, col := range RequiredColumns {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, col)
		}
	}

	var records []domain.StagingRecord
	for line := 1; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrMalformedRecord, line, err)
		}
		rec, err := parseRow(line, row, index)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func parseRow(line int, row []string, index map[string]int) (domain.StagingRecord, error) {
	field := func(col string) string {
		i, ok := index[col]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}
	optional := func(col string) *string {
		if _, ok := index[col]; !ok {
			return nil
		}
		v := field(col)
		return &v
	}

	for _, col := range RequiredColumns {
		if field(col) == "" {
			return domain.StagingRecord{}, fmt.Errorf("%w: row %d: %s is empty", ErrMissingField, line, col)
		}
	}

	ts, err := ParseTimestamp(field(ColTransactionTS))
	if err != nil {
		return domain.StagingRecord{}, fmt.Errorf("%w: row %d: %s: %v", ErrMalformedRecord, line, ColTransactionTS, err)
	}
	amount, err := decimal.NewFromString(field(ColAmount))
	if err != nil {
		return domain.StagingRecord{}, fmt.Errorf("%w: row %d: %s: %v", ErrMalformedRecord, line, ColAmount, err)
	}

	return domain.StagingRecord{
		SourceLine:    line,
		TransactionID: field(ColTransactionID),
		CustomerID:    field(ColCustomerID),
		MerchantID:    field(ColMerchantID),
		TransactionTS: ts,
		Amount:        amount,
		Currency:      field(ColCurrency),
		Status:        field(ColStatus),
		Country:       optional(ColCountry),
		City:          optional(ColCity),
		PaymentMethod: optional(ColPaymentMethod),
		CardType:      optional(ColCardType),
		Category:      optional(ColCategory),
	}, nil
}

// ParseTimestamp accepts RFC 3339 and common zone-less layouts, returning UTC.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
