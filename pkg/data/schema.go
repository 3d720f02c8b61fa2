package data

// schemaStatements define the repository tables. Round archives are
// append-only; validator records are upserted by the reputation ledger.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS round_archives (
		round_id       TEXT PRIMARY KEY,
		feed_id        TEXT NOT NULL,
		round_number   BIGINT NOT NULL,
		state          TEXT NOT NULL,
		eligible       TEXT[] NOT NULL,
		commitments    JSONB NOT NULL,
		reveals        JSONB NOT NULL,
		aggregate      JSONB,
		signed         JSONB,
		failure_reason TEXT NOT NULL DEFAULT '',
		archived_at    TIMESTAMPTZ NOT NULL,
		UNIQUE (feed_id, round_number)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_round_archives_feed
		ON round_archives (feed_id, archived_at DESC)`,
	`CREATE TABLE IF NOT EXISTS validator_records (
		validator_id         TEXT PRIMARY KEY,
		public_key           BYTEA NOT NULL,
		stake_weight         DOUBLE PRECISION NOT NULL,
		reputation_score     DOUBLE PRECISION NOT NULL,
		consecutive_failures INT NOT NULL DEFAULT 0,
		slash_history        JSONB,
		suspended_until      TIMESTAMPTZ,
		rounds               BIGINT NOT NULL DEFAULT 0,
		updated_at           TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_validator_records_score
		ON validator_records (reputation_score DESC)`,
}
