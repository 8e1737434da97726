package repository

// Schema definitions for the Harrier event store.
// Compatible with both SQLite and PostgreSQL.

// schemaFraudEvents stores one row per fraud triage outcome. created_at_ns
// gives a strict per-store ordering that both engines can sort on.
const schemaFraudEvents = `
CREATE TABLE IF NOT EXISTS fraud_events (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    transaction_data TEXT NOT NULL,
    risk_band TEXT NOT NULL,
    alert_score REAL NOT NULL,
    decision TEXT NOT NULL,
    explanations TEXT NOT NULL,
    label TEXT,
    labeled_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    created_at_ns BIGINT NOT NULL,
    process_ms BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_fraud_events_tenant ON fraud_events(tenant_id);
CREATE INDEX IF NOT EXISTS idx_fraud_events_order ON fraud_events(tenant_id, created_at_ns);
CREATE INDEX IF NOT EXISTS idx_fraud_events_band ON fraud_events(tenant_id, risk_band);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaFraudEvents,
	}
}
