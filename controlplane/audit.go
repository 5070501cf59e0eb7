package controlplane

import (
	"context"
	"fmt"

	"encore.dev/storage/sqldb"

	"encore.app/pkg/models"
)

// db is the Postgres database backing the deployment audit log.
var db = sqldb.Named("controlplane_db")

// AuditLogger provides append-only persistence of deployment records,
// grounded on the teacher's invalidation/audit.go AuditLogger (same
// ensure-schema-on-construct, same plain positional-parameter inserts and
// scans, same LIKE-free pagination shape since deployments have no pattern
// field to filter by).
type AuditLogger struct {
	db *sqldb.Database
}

// NewAuditLogger creates a new audit logger with database connection.
func NewAuditLogger(db *sqldb.Database) (*AuditLogger, error) {
	logger := &AuditLogger{db: db}
	if err := logger.ensureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	return logger, nil
}

func (al *AuditLogger) ensureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS deployment_audit (
			id BIGSERIAL PRIMARY KEY,
			request_id TEXT NOT NULL,
			digest TEXT NOT NULL,
			changed BOOLEAN NOT NULL DEFAULT FALSE,
			groups_added INTEGER NOT NULL DEFAULT 0,
			groups_removed INTEGER NOT NULL DEFAULT 0,
			outcome TEXT NOT NULL,
			error TEXT,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			latency_ms BIGINT NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_deployment_audit_timestamp
		ON deployment_audit(timestamp DESC);

		CREATE INDEX IF NOT EXISTS idx_deployment_audit_request_id
		ON deployment_audit(request_id);

		CREATE INDEX IF NOT EXISTS idx_deployment_audit_digest
		ON deployment_audit(digest);
	`
	_, err := al.db.Exec(ctx, query)
	return err
}

// Insert adds one deployment record to the audit trail.
func (al *AuditLogger) Insert(ctx context.Context, record models.DeploymentRecord) error {
	query := `
		INSERT INTO deployment_audit
		(request_id, digest, changed, groups_added, groups_removed, outcome, error, timestamp, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := al.db.Exec(ctx, query,
		record.RequestID,
		record.Digest,
		record.Changed,
		record.GroupsAdded,
		record.GroupsRemoved,
		record.Outcome,
		nullableString(record.Error),
		record.Timestamp,
		record.LatencyMs,
	)
	if err != nil {
		return fmt.Errorf("failed to insert deployment audit record: %w", err)
	}
	return nil
}

// GetRecent retrieves recent deployment records with pagination.
func (al *AuditLogger) GetRecent(ctx context.Context, limit, offset int) ([]models.DeploymentRecord, error) {
	query := `
		SELECT id, request_id, digest, changed, groups_added, groups_removed, outcome, COALESCE(error, ''), timestamp, latency_ms
		FROM deployment_audit
		ORDER BY timestamp DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := al.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query deployment audit: %w", err)
	}
	defer rows.Close()

	records := make([]models.DeploymentRecord, 0, limit)
	for rows.Next() {
		var r models.DeploymentRecord
		if err := rows.Scan(
			&r.ID, &r.RequestID, &r.Digest, &r.Changed,
			&r.GroupsAdded, &r.GroupsRemoved, &r.Outcome,
			&r.Error, &r.Timestamp, &r.LatencyMs,
		); err != nil {
			return nil, fmt.Errorf("failed to scan deployment audit record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployment audit: %w", err)
	}
	return records, nil
}

// GetCount returns the total number of deployment audit records.
func (al *AuditLogger) GetCount(ctx context.Context) (int, error) {
	var count int
	err := al.db.QueryRow(ctx, `SELECT COUNT(*) FROM deployment_audit`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count deployment audit records: %w", err)
	}
	return count, nil
}

// GetByRequestID retrieves every audit record sharing a correlation ID.
// Deploy writes a single row per attempt, so this normally returns one record.
func (al *AuditLogger) GetByRequestID(ctx context.Context, requestID string) ([]models.DeploymentRecord, error) {
	query := `
		SELECT id, request_id, digest, changed, groups_added, groups_removed, outcome, COALESCE(error, ''), timestamp, latency_ms
		FROM deployment_audit
		WHERE request_id = $1
		ORDER BY timestamp DESC
	`
	rows, err := al.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query deployment audit by request id: %w", err)
	}
	defer rows.Close()

	records := make([]models.DeploymentRecord, 0)
	for rows.Next() {
		var r models.DeploymentRecord
		if err := rows.Scan(
			&r.ID, &r.RequestID, &r.Digest, &r.Changed,
			&r.GroupsAdded, &r.GroupsRemoved, &r.Outcome,
			&r.Error, &r.Timestamp, &r.LatencyMs,
		); err != nil {
			return nil, fmt.Errorf("failed to scan deployment audit record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployment audit: %w", err)
	}
	return records, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
