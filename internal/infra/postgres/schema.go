// Package postgres implements the warehouse on a single PostgreSQL connection.
package postgres

const schemaDDL = `
CREATE SCHEMA IF NOT EXISTS staging;
CREATE SCHEMA IF NOT EXISTS dwh;
CREATE SCHEMA IF NOT EXISTS etl;

CREATE TABLE IF NOT EXISTS staging.transactions_raw (
    source_line     INTEGER NOT NULL,
    transaction_id  TEXT NOT NULL,
    customer_id     TEXT NOT NULL,
    merchant_id     TEXT NOT NULL,
    transaction_ts  TIMESTAMPTZ NOT NULL,
    amount          NUMERIC NOT NULL,
    currency        TEXT NOT NULL,
    status          TEXT NOT NULL,
    country         TEXT,
    city            TEXT,
    payment_method  TEXT,
    card_type       TEXT,
    category        TEXT
);

CREATE TABLE IF NOT EXISTS dwh.dim_currency (
    currency_sk      BIGSERIAL PRIMARY KEY,
    currency_code    TEXT NOT NULL UNIQUE,
    symbol           TEXT,
    fraction_digits  INTEGER
);

CREATE TABLE IF NOT EXISTS dwh.dim_payment_method (
    payment_method_sk  BIGSERIAL PRIMARY KEY,
    method_code        TEXT NOT NULL,
    card_type          TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_dim_payment_method_nk
    ON dwh.dim_payment_method (method_code, COALESCE(card_type, ''));

CREATE TABLE IF NOT EXISTS dwh.dim_customer (
    customer_sk  BIGSERIAL PRIMARY KEY,
    customer_bk  TEXT NOT NULL,
    country      TEXT,
    city         TEXT,
    valid_from   TIMESTAMPTZ NOT NULL,
    valid_to     TIMESTAMPTZ,
    is_current   BOOLEAN NOT NULL DEFAULT TRUE,
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CHECK (valid_to IS NULL OR valid_to > valid_from),
    CHECK (is_current = (valid_to IS NULL))
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_dim_customer_current
    ON dwh.dim_customer (customer_bk) WHERE is_current;

CREATE TABLE IF NOT EXISTS dwh.dim_merchant (
    merchant_sk  BIGSERIAL PRIMARY KEY,
    merchant_bk  TEXT NOT NULL,
    category     TEXT,
    country      TEXT,
    city         TEXT,
    valid_from   TIMESTAMPTZ NOT NULL,
    valid_to     TIMESTAMPTZ,
    is_current   BOOLEAN NOT NULL DEFAULT TRUE,
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CHECK (valid_to IS NULL OR valid_to > valid_from),
    CHECK (is_current = (valid_to IS NULL))
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_dim_merchant_current
    ON dwh.dim_merchant (merchant_bk) WHERE is_current;

CREATE TABLE IF NOT EXISTS dwh.dim_date (
    date_key  INTEGER PRIMARY KEY,
    date      DATE NOT NULL UNIQUE,
    year      INTEGER NOT NULL,
    quarter   INTEGER NOT NULL,
    month     INTEGER NOT NULL,
    day       INTEGER NOT NULL,
    weekday   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS dwh.fact_transactions (
    transaction_id     TEXT PRIMARY KEY,
    customer_sk        BIGINT NOT NULL REFERENCES dwh.dim_customer (customer_sk),
    merchant_sk        BIGINT NOT NULL REFERENCES dwh.dim_merchant (merchant_sk),
    payment_method_sk  BIGINT NOT NULL REFERENCES dwh.dim_payment_method (payment_method_sk),
    currency_sk        BIGINT NOT NULL REFERENCES dwh.dim_currency (currency_sk),
    date_key           INTEGER NOT NULL REFERENCES dwh.dim_date (date_key),
    amount             NUMERIC NOT NULL,
    status             TEXT NOT NULL,
    transaction_ts     TIMESTAMPTZ NOT NULL,
    loaded_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_fact_transactions_date ON dwh.fact_transactions (date_key);

CREATE TABLE IF NOT EXISTS etl.runs (
    run_id         TEXT PRIMARY KEY,
    input_uri      TEXT NOT NULL,
    checksum       TEXT NOT NULL,
    status         TEXT NOT NULL,
    last_stage     TEXT NOT NULL DEFAULT '',
    run_ts         TIMESTAMPTZ NOT NULL,
    started_at     TIMESTAMPTZ NOT NULL,
    finished_at    TIMESTAMPTZ,
    error_message  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON etl.runs (started_at);
`
