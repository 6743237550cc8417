package bigquery

import (
	"fmt"
	"strings"

	"github.com/dvloznov/txn-warehouse/internal/domain"
)

// schemaSQL returns the bootstrap script for both datasets. Keys and uniqueness are
// enforced by the warehouse Tx, BigQuery constraints being informational only.
func (t Tables) schemaSQL(location string) string {
	var b strings.Builder
	opts := ""
	if location != "" {
		opts = fmt.Sprintf(" OPTIONS (location = '%s')", strings.ReplaceAll(location, "'", ""))
	}
	fmt.Fprintf(&b, "CREATE SCHEMA IF NOT EXISTS %s%s;\n", quote(t.Project, t.StagingDataset), opts)
	fmt.Fprintf(&b, "CREATE SCHEMA IF NOT EXISTS %s%s;\n", quote(t.Project, t.Dataset), opts)

	fmt.Fprintf(&b, `
CREATE TABLE IF NOT EXISTS %s (
	source_line INT64 NOT NULL,
	transaction_id STRING NOT NULL,
	customer_id STRING NOT NULL,
	merchant_id STRING NOT NULL,
	transaction_ts TIMESTAMP NOT NULL,
	amount NUMERIC NOT NULL,
	currency STRING NOT NULL,
	status STRING NOT NULL,
	country STRING,
	city STRING,
	payment_method STRING,
	card_type STRING,
	category STRING
);
`, t.Staging(stagingTable))

	fmt.Fprintf(&b, `
CREATE TABLE IF NOT EXISTS %s (
	currency_sk INT64 NOT NULL,
	currency_code STRING NOT NULL,
	symbol STRING,
	fraction_digits INT64
);

CREATE TABLE IF NOT EXISTS %s (
	payment_method_sk INT64 NOT NULL,
	method_code STRING NOT NULL,
	card_type STRING
);

CREATE TABLE IF NOT EXISTS %s (
	customer_sk INT64 NOT NULL,
	customer_bk STRING NOT NULL,
	country STRING,
	city STRING,
	valid_from TIMESTAMP NOT NULL,
	valid_to TIMESTAMP,
	is_current BOOL NOT NULL,
	updated_at TIMESTAMP NOT NULL
)
CLUSTER BY customer_bk;

CREATE TABLE IF NOT EXISTS %s (
	merchant_sk INT64 NOT NULL,
	merchant_bk STRING NOT NULL,
	category STRING,
	country STRING,
	city STRING,
	valid_from TIMESTAMP NOT NULL,
	valid_to TIMESTAMP,
	is_current BOOL NOT NULL,
	updated_at TIMESTAMP NOT NULL
)
CLUSTER BY merchant_bk;

CREATE TABLE IF NOT EXISTS %s (
	date_key INT64 NOT NULL,
	date DATE NOT NULL,
	year INT64 NOT NULL,
	quarter INT64 NOT NULL,
	month INT64 NOT NULL,
	day INT64 NOT NULL,
	weekday INT64 NOT NULL
);

CREATE TABLE IF NOT EXISTS %s (
	transaction_id STRING NOT NULL,
	customer_sk INT64 NOT NULL,
	merchant_sk INT64 NOT NULL,
	payment_method_sk INT64 NOT NULL,
	currency_sk INT64 NOT NULL,
	date_key INT64 NOT NULL,
	amount NUMERIC NOT NULL,
	status STRING NOT NULL,
	transaction_ts TIMESTAMP NOT NULL,
	loaded_at TIMESTAMP NOT NULL
)
PARTITION BY DATE(transaction_ts)
CLUSTER BY transaction_id;

CREATE TABLE IF NOT EXISTS %s (
	run_id STRING NOT NULL,
	input_uri STRING NOT NULL,
	checksum STRING NOT NULL,
	status STRING NOT NULL,
	last_stage STRING NOT NULL,
	run_ts TIMESTAMP NOT NULL,
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP,
	error_message STRING NOT NULL
);
`,
		t.DWH(currencyTable),
		t.DWH(paymentMethodTable),
		t.DWH(domain.CustomerDimension.Table),
		t.DWH(domain.MerchantDimension.Table),
		t.DWH(dateTable),
		t.DWH(factTable),
		t.DWH(runsTable),
	)
	return b.String()
}
