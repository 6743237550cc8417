package source

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCSV = `transaction_id,customer_id,merchant_id,transaction_ts,amount,currency,status,country,city,payment_method,card_type,category
T1,C1,M1,2024-01-01T10:00:00Z,12.50,USD,approved,US,Springfield,card,visa,grocery
T2,C2,M1,2024-01-01 11:30:00,7,EUR,declined,,, wallet,,grocery
`

func TestParse(t *testing.T) {
	records, err := Parse(strings.NewReader(sampleCSV), Options{})
	require.NoError(t, err)
	require.Len(t, records, 2)

	first := records[0]
	assert.Equal(t, 1, first.SourceLine)
	assert.Equal(t, "T1", first.TransactionID)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), first.TransactionTS)
	assert.True(t, decimal.RequireFromString("12.5").Equal(first.Amount))
	require.NotNil(t, first.City)
	assert.Equal(t, "Springfield", *first.City)
	require.NotNil(t, first.CardType)
	assert.Equal(t, "visa", *first.CardType)

	second := records[1]
	assert.Equal(t, 2, second.SourceLine)
	assert.Equal(t, time.Date(2024, 1, 1, 11, 30, 0, 0, time.UTC), second.TransactionTS)
	require.NotNil(t, second.Country, "empty cells of present columns stay empty strings")
	assert.Empty(t, *second.Country)
	require.NotNil(t, second.CardType)
	assert.Empty(t, *second.CardType)
	require.NotNil(t, second.PaymentMethod)
	assert.Equal(t, "wallet", *second.PaymentMethod)
}

func TestParse_OptionalColumnsAbsent(t *testing.T) {
	in := "transaction_id,customer_id,merchant_id,transaction_ts,amount,currency,status\n" +
		"T1,C1,M1,2024-03-05,1.00,GBP,approved\n"

	records, err := Parse(strings.NewReader(in), Options{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Nil(t, records[0].PaymentMethod)
	assert.Nil(t, records[0].Category)
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), records[0].TransactionTS)
}

func TestParse_Delimiter(t *testing.T) {
	in := "transaction_id;customer_id;merchant_id;transaction_ts;amount;currency;status\n" +
		"T1;C1;M1;2024-03-05T00:00:00+02:00;1,5;GBP;approved\n"

	_, err := Parse(strings.NewReader(in), Options{Delimiter: ';'})
	require.ErrorIs(t, err, ErrMalformedRecord, "decimal comma is not an amount")

	in = strings.Replace(in, "1,5", "1.5", 1)
	records, err := Parse(strings.NewReader(in), Options{Delimiter: ';'})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 4, 22, 0, 0, 0, time.UTC), records[0].TransactionTS)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{
			name:    "empty file",
			input:   "",
			wantErr: ErrMissingColumn,
		},
		{
			name:    "missing mandatory column",
			input:   "transaction_id,customer_id,merchant_id,transaction_ts,amount,currency\nT1,C1,M1,2024-01-01,1,USD\n",
			wantErr: ErrMissingColumn,
		},
		{
			name:    "empty mandatory field",
			input:   "transaction_id,customer_id,merchant_id,transaction_ts,amount,currency,status\nT1,,M1,2024-01-01,1,USD,ok\n",
			wantErr: ErrMissingField,
		},
		{
			name:    "bad timestamp",
			input:   "transaction_id,customer_id,merchant_id,transaction_ts,amount,currency,status\nT1,C1,M1,yesterday,1,USD,ok\n",
			wantErr: ErrMalformedRecord,
		},
		{
			name:    "bad amount",
			input:   "transaction_id,customer_id,merchant_id,transaction_ts,amount,currency,status\nT1,C1,M1,2024-01-01,ten,USD,ok\n",
			wantErr: ErrMalformedRecord,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.input), Options{})
			require.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, ErrInput)
		})
	}
}

func TestRead_LocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transactions.csv")
	require.NoError(t, os.WriteFile(path, []byte(sampleCSV), 0o600))

	batch, err := Read(context.Background(), path, Options{})
	require.NoError(t, err)
	assert.Equal(t, path, batch.URI)
	assert.Len(t, batch.Records, 2)
	assert.Equal(t, Checksum([]byte(sampleCSV)), batch.Checksum)
	assert.Len(t, batch.Checksum, 64)
}

func TestSplitGCSURI(t *testing.T) {
	bucket, object, err := SplitGCSURI("gs://landing/2024/01/transactions.csv")
	require.NoError(t, err)
	assert.Equal(t, "landing", bucket)
	assert.Equal(t, "2024/01/transactions.csv", object)

	_, _, err = SplitGCSURI("gs://landing")
	assert.Error(t, err)
	_, _, err = SplitGCSURI("/tmp/file.csv")
	assert.Error(t, err)

	assert.Equal(t, "transactions.csv", FilenameFromURI("gs://landing/2024/01/transactions.csv"))
	assert.Equal(t, "file.csv", FilenameFromURI("data/file.csv"))
}
