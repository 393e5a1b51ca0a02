package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo writes to audit_events. The table carries no UPDATE or DELETE
// path; see migrations/0001_dialer.sql.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO audit_events (id, type, actor_user_id, actor_role, ip_address, campaign_id, agent_id,
  call_id, record_id, contact_id, override_id, message, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID,
		string(e.Type),
		e.ActorUserID,
		e.ActorRole,
		e.IPAddress,
		e.CampaignID,
		e.AgentID,
		e.CallID,
		e.RecordID,
		e.ContactID,
		e.OverrideID,
		e.Message,
		nullJSON(e.Metadata),
		e.CreatedAt,
	)
	return err
}

func nullJSON(s string) any {
	if s == "" {
		return nil
	}
	return s
}
