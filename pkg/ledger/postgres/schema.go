package postgres

// SchemaVersion is the current ledger schema version.
const SchemaVersion = 2

// Schema creates the ledger tables. Every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- One row per charge line per day, produced by the cost calculator
CREATE TABLE IF NOT EXISTS daily_costs (
    account_id         TEXT NOT NULL,
    billing_date       DATE NOT NULL,
    instance_id        TEXT NOT NULL DEFAULT '',
    product_code       TEXT NOT NULL DEFAULT '',
    billing_item       TEXT NOT NULL DEFAULT '',
    product_name       TEXT NOT NULL DEFAULT '',
    region             TEXT NOT NULL DEFAULT '',
    subscription_type  TEXT NOT NULL,
    calculation_method TEXT NOT NULL,
    pretax_gross       NUMERIC(20, 6) NOT NULL DEFAULT 0,
    pretax             NUMERIC(20, 6) NOT NULL DEFAULT 0,
    daily_cost         NUMERIC(20, 2) NOT NULL,
    discount_amount    NUMERIC(20, 6) NOT NULL DEFAULT 0,
    discount_rate      NUMERIC(10, 2) NOT NULL DEFAULT 0,
    service_days       INTEGER,
    tags               JSONB NOT NULL DEFAULT '{}'::jsonb,
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (account_id, billing_date, instance_id, product_code, billing_item)
);

CREATE INDEX IF NOT EXISTS idx_daily_costs_account_date ON daily_costs (account_id, billing_date);
CREATE INDEX IF NOT EXISTS idx_daily_costs_tags ON daily_costs USING GIN (tags);

CREATE TABLE IF NOT EXISTS cost_anomalies (
    account_id    TEXT NOT NULL,
    date          DATE NOT NULL,
    current_cost  NUMERIC(20, 2) NOT NULL,
    baseline_cost NUMERIC(20, 2) NOT NULL,
    deviation_pct NUMERIC(12, 2) NOT NULL,
    severity      TEXT NOT NULL,
    root_cause    TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (account_id, date)
);

CREATE INDEX IF NOT EXISTS idx_cost_anomalies_date ON cost_anomalies (date DESC, deviation_pct DESC);

CREATE TABLE IF NOT EXISTS budgets (
    id          UUID PRIMARY KEY,
    account_id  TEXT NOT NULL,
    name        TEXT NOT NULL,
    amount      NUMERIC(20, 2) NOT NULL,
    period      TEXT NOT NULL,
    budget_type TEXT NOT NULL,
    start_date  DATE NOT NULL,
    end_date    DATE NOT NULL,
    filter      JSONB NOT NULL DEFAULT '{}'::jsonb,
    thresholds  JSONB NOT NULL DEFAULT '[]'::jsonb,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_budgets_account ON budgets (account_id);

CREATE TABLE IF NOT EXISTS budget_alert_history (
    budget_id    UUID NOT NULL REFERENCES budgets (id) ON DELETE CASCADE,
    period_start DATE NOT NULL,
    threshold    NUMERIC(10, 2) NOT NULL,
    usage_rate   NUMERIC(20, 6) NOT NULL,
    spent        NUMERIC(20, 2) NOT NULL,
    triggered_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (budget_id, period_start, threshold)
);
`

// migrations upgrade a ledger created at an older version. Key i holds the
// statements that bring version i-1 to version i.
var migrations = map[int]string{
	2: `
ALTER TABLE daily_costs ADD COLUMN IF NOT EXISTS billing_item TEXT NOT NULL DEFAULT '';
ALTER TABLE daily_costs DROP CONSTRAINT IF EXISTS daily_costs_pkey;
ALTER TABLE daily_costs ADD PRIMARY KEY (account_id, billing_date, instance_id, product_code, billing_item);
`,
}
