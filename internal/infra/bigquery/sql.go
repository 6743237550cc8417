package bigquery

import (
	"fmt"
	"strings"

	"github.com/dvloznov/txn-warehouse/internal/domain"
)

const (
	stagingTable       = "transactions_raw"
	currencyTable      = "dim_currency"
	paymentMethodTable = "dim_payment_method"
	dateTable          = "dim_date"
	factTable          = "fact_transactions"
	runsTable          = "etl_runs"
)

// Tables names the datasets of one warehouse. The run ledger lives next to the
// dimensions because BigQuery has no third schema level.
type Tables struct {
	Project        string
	Dataset        string
	StagingDataset string
}

func quote(parts ...string) string {
	return "`" + strings.Join(parts, ".") + "`"
}

// DWH returns the quoted name of a table in the warehouse dataset.
func (t Tables) DWH(table string) string {
	return quote(t.Project, t.Dataset, table)
}

// Staging returns the quoted name of a table in the staging dataset.
func (t Tables) Staging(table string) string {
	return quote(t.Project, t.StagingDataset, table)
}

func (t Tables) clearStagingSQL() string {
	return fmt.Sprintf("DELETE FROM %s WHERE TRUE", t.Staging(stagingTable))
}

func (t Tables) insertStagingSQL() string {
	return fmt.Sprintf(`
		INSERT %s (
			source_line, transaction_id, customer_id, merchant_id, transaction_ts, amount,
			currency, status, country, city, payment_method, card_type, category
		)
		SELECT
			r.source_line, r.transaction_id, r.customer_id, r.merchant_id, r.transaction_ts, r.amount,
			r.currency, r.status, r.country, r.city, r.payment_method, r.card_type, r.category
		FROM UNNEST(@rows) AS r
	`, t.Staging(stagingTable))
}

func (t Tables) selectStagingSQL() string {
	return fmt.Sprintf(`
		SELECT
			source_line, transaction_id, customer_id, merchant_id, transaction_ts, amount,
			currency, status, country, city, payment_method, card_type, category
		FROM %s
		ORDER BY source_line
	`, t.Staging(stagingTable))
}

func (t Tables) selectCurrenciesSQL() string {
	return fmt.Sprintf(`
		SELECT currency_sk, currency_code, symbol, fraction_digits
		FROM %s
		ORDER BY currency_sk
	`, t.DWH(currencyTable))
}

func (t Tables) insertCurrenciesSQL() string {
	return fmt.Sprintf(`
		INSERT %[1]s (currency_sk, currency_code, symbol, fraction_digits)
		SELECT
			(SELECT COALESCE(MAX(currency_sk), 0) FROM %[1]s) + ROW_NUMBER() OVER (ORDER BY r.currency_code),
			r.currency_code, r.symbol, r.fraction_digits
		FROM UNNEST(@rows) AS r
	`, t.DWH(currencyTable))
}

func (t Tables) countCurrencyCodesSQL() string {
	return fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE currency_code IN UNNEST(@codes)`, t.DWH(currencyTable))
}

func (t Tables) selectPaymentMethodsSQL() string {
	return fmt.Sprintf(`
		SELECT payment_method_sk, method_code, card_type
		FROM %s
		ORDER BY payment_method_sk
	`, t.DWH(paymentMethodTable))
}

func (t Tables) insertPaymentMethodsSQL() string {
	return fmt.Sprintf(`
		INSERT %[1]s (payment_method_sk, method_code, card_type)
		SELECT
			(SELECT COALESCE(MAX(payment_method_sk), 0) FROM %[1]s)
				+ ROW_NUMBER() OVER (ORDER BY r.method_code, COALESCE(r.card_type, '')),
			r.method_code, r.card_type
		FROM UNNEST(@rows) AS r
	`, t.DWH(paymentMethodTable))
}

func (t Tables) countPaymentMethodKeysSQL() string {
	return fmt.Sprintf(`
		SELECT COUNT(*)
		FROM %s AS p
		WHERE EXISTS (
			SELECT 1 FROM UNNEST(@keys) AS k
			WHERE k.method_code = p.method_code AND k.card_type = COALESCE(p.card_type, '')
		)
	`, t.DWH(paymentMethodTable))
}

func (t Tables) selectDateKeysSQL() string {
	return fmt.Sprintf(`SELECT date_key FROM %s ORDER BY date_key`, t.DWH(dateTable))
}

func (t Tables) insertDatesSQL() string {
	return fmt.Sprintf(`
		INSERT %s (date_key, date, year, quarter, month, day, weekday)
		SELECT r.date_key, r.date, r.year, r.quarter, r.month, r.day, r.weekday
		FROM UNNEST(@rows) AS r
	`, t.DWH(dateTable))
}

func (t Tables) countDateKeysSQL() string {
	return fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE date_key IN UNNEST(@keys)`, t.DWH(dateTable))
}

func versionColumns(dim domain.Dimension) []string {
	cols := []string{dim.KeyColumn, dim.BusinessKey}
	cols = append(cols, dim.Attributes...)
	return append(cols, "valid_from", "valid_to", "is_current")
}

// The version builders interpolate column names, so callers validate dim first.

func (t Tables) selectCurrentVersionsSQL(dim domain.Dimension) string {
	return fmt.Sprintf(`SELECT %s FROM %s WHERE is_current ORDER BY %s`,
		strings.Join(versionColumns(dim), ", "), t.DWH(dim.Table), dim.BusinessKey)
}

func (t Tables) selectVersionHistorySQL(dim domain.Dimension) string {
	return fmt.Sprintf(`SELECT %s FROM %s WHERE %s = @business_key ORDER BY valid_from, %s`,
		strings.Join(versionColumns(dim), ", "), t.DWH(dim.Table), dim.BusinessKey, dim.KeyColumn)
}

func (t Tables) closeVersionsSQL(dim domain.Dimension) string {
	return fmt.Sprintf(`
		UPDATE %s
		SET valid_to = @at, is_current = FALSE, updated_at = CURRENT_TIMESTAMP()
		WHERE %s IN UNNEST(@business_keys) AND is_current
	`, t.DWH(dim.Table), dim.BusinessKey)
}

func (t Tables) countCurrentVersionsSQL(dim domain.Dimension) string {
	return fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE is_current AND %s IN UNNEST(@business_keys)`,
		t.DWH(dim.Table), dim.BusinessKey)
}

func (t Tables) insertVersionsSQL(dim domain.Dimension) string {
	attrs := make([]string, len(dim.Attributes))
	for i := range dim.Attributes {
		attrs[i] = fmt.Sprintf("r.attributes[OFFSET(%d)].value", i)
	}
	return fmt.Sprintf(`
		INSERT %[1]s (%[2]s, %[3]s, %[4]s, valid_from, valid_to, is_current, updated_at)
		SELECT
			(SELECT COALESCE(MAX(%[2]s), 0) FROM %[1]s) + ROW_NUMBER() OVER (ORDER BY r.ordinal),
			r.business_key, %[5]s, r.valid_from, r.valid_to, r.is_current, CURRENT_TIMESTAMP()
		FROM UNNEST(@rows) AS r
	`, t.DWH(dim.Table), dim.KeyColumn, dim.BusinessKey, strings.Join(dim.Attributes, ", "), strings.Join(attrs, ", "))
}

func (t Tables) mergeFactsSQL() string {
	return fmt.Sprintf(`
		MERGE %s AS f
		USING UNNEST(@rows) AS r
		ON f.transaction_id = r.transaction_id
		WHEN NOT MATCHED THEN
			INSERT (
				transaction_id, customer_sk, merchant_sk, payment_method_sk, currency_sk,
				date_key, amount, status, transaction_ts, loaded_at
			)
			VALUES (
				r.transaction_id, r.customer_sk, r.merchant_sk, r.payment_method_sk, r.currency_sk,
				r.date_key, r.amount, r.status, r.transaction_ts, CURRENT_TIMESTAMP()
			)
	`, t.DWH(factTable))
}

func (t Tables) countFactsSQL() string {
	return fmt.Sprintf(`SELECT COUNT(*) FROM %s`, t.DWH(factTable))
}

func (t Tables) mergeRunSQL() string {
	return fmt.Sprintf(`
		MERGE %s AS t
		USING (SELECT @run AS r) AS s
		ON t.run_id = s.r.run_id
		WHEN MATCHED THEN UPDATE SET
			input_uri = s.r.input_uri,
			checksum = s.r.checksum,
			status = s.r.status,
			last_stage = s.r.last_stage,
			run_ts = s.r.run_ts,
			started_at = s.r.started_at,
			finished_at = s.r.finished_at,
			error_message = s.r.error_message
		WHEN NOT MATCHED THEN
			INSERT (run_id, input_uri, checksum, status, last_stage, run_ts, started_at, finished_at, error_message)
			VALUES (s.r.run_id, s.r.input_uri, s.r.checksum, s.r.status, s.r.last_stage, s.r.run_ts,
				s.r.started_at, s.r.finished_at, s.r.error_message)
	`, t.DWH(runsTable))
}

func (t Tables) selectRunsSQL(limit int) string {
	sql := fmt.Sprintf(`
		SELECT run_id, input_uri, checksum, status, last_stage, run_ts, started_at, finished_at, error_message
		FROM %s
		ORDER BY started_at DESC, run_id DESC
	`, t.DWH(runsTable))
	if limit > 0 {
		sql += fmt.Sprintf("LIMIT %d\n", limit)
	}
	return sql
}
