package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/convocrm/backend/pkg/constants"
)

// EnsureSchema creates the engine's tables if they do not exist yet. It is
// idempotent and safe to run on every startup.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			conversant_id   VARCHAR(255) PRIMARY KEY,
			flow_id         VARCHAR(255) NULL,
			flow_version    INT NOT NULL DEFAULT 0,
			current_step_id VARCHAR(255) NULL,
			variables       JSON NULL,
			version         BIGINT NOT NULL DEFAULT 0,
			status          VARCHAR(32) NOT NULL,
			awaiting_reply  BOOLEAN NOT NULL DEFAULT FALSE,
			retry_count     INT NOT NULL DEFAULT 0,
			awaiting_since  DATETIME(6) NULL,
			timeout_at      DATETIME(6) NULL,
			updated_at      DATETIME(6) NOT NULL,
			INDEX idx_timeout (awaiting_reply, timeout_at)
		)`, constants.TableConversation),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			delivery_id   VARCHAR(255) PRIMARY KEY,
			conversant_id VARCHAR(255) NOT NULL,
			processed     BOOLEAN NOT NULL DEFAULT FALSE,
			received_at   DATETIME(6) NOT NULL,
			processed_at  DATETIME(6) NULL
		)`, constants.TableInboundDedup),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id              VARCHAR(36) PRIMARY KEY,
			conversant_id   VARCHAR(255) NOT NULL,
			content         TEXT NOT NULL,
			order_index     INT NOT NULL DEFAULT 0,
			status          VARCHAR(16) NOT NULL,
			attempts        INT NOT NULL DEFAULT 0,
			dedupe_key      VARCHAR(512) NOT NULL,
			next_attempt_at DATETIME(6) NULL,
			claimed_at      DATETIME(6) NULL,
			last_error      TEXT NULL,
			created_at      DATETIME(6) NOT NULL,
			UNIQUE KEY uk_dedupe (dedupe_key),
			INDEX idx_claim (status, next_attempt_at)
		)`, constants.TableOutbox),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			flow_id    VARCHAR(255) NOT NULL,
			version    INT NOT NULL,
			active     BOOLEAN NOT NULL DEFAULT TRUE,
			definition JSON NOT NULL,
			created_at DATETIME(6) NOT NULL,
			PRIMARY KEY (flow_id, version)
		)`, constants.TableFlowDefinition),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id              VARCHAR(36) PRIMARY KEY,
			idempotency_key VARCHAR(512) NOT NULL,
			conversant_id   VARCHAR(255) NOT NULL,
			record_type     VARCHAR(255) NOT NULL,
			fields          JSON NULL,
			created_at      DATETIME(6) NOT NULL,
			UNIQUE KEY uk_idempotency (idempotency_key)
		)`, constants.TableActionRecord),
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure engine schema: %w", err)
		}
	}

	log.Printf("✅ Engine schema ensured (%d tables)", len(statements))
	return nil
}
