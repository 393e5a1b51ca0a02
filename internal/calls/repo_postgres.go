package calls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"contact-center/internal/campaigns"
	"contact-center/pkg/utils"
)

// NOTE: assumes the call_records table from migrations/0001_dialer.sql.

type PostgresRepo struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db, clock: time.Now}
}

const callColumns = `id, campaign_id, agent_id, contact_id, record_id, channel, provider_call_id,
  state, outcome, disposition, notes, is_dnc, started_at, connected_at, ended_at, duration_seconds,
  created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (CallRecord, error) {
	var c CallRecord
	var connected, ended sql.NullTime
	if err := row.Scan(
		&c.ID,
		&c.CampaignID,
		&c.AgentID,
		&c.ContactID,
		&c.RecordID,
		&c.Channel,
		&c.ProviderCallID,
		&c.State,
		&c.Outcome,
		&c.Disposition,
		&c.Notes,
		&c.IsDNC,
		&c.StartedAt,
		&connected,
		&ended,
		&c.DurationSeconds,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return CallRecord{}, err
	}
	if connected.Valid {
		t := connected.Time
		c.ConnectedAt = &t
	}
	if ended.Valid {
		t := ended.Time
		c.EndedAt = &t
	}
	return c, nil
}

// Insert writes the placeholders and the call in one transaction, so a call
// row never references a parent that does not exist.
func (r *PostgresRepo) Insert(ctx context.Context, rec CallRecord, ensure []campaigns.Placeholder) error {
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if err := campaigns.UpsertPlaceholders(ctx, tx, ensure, r.clock().UTC()); err != nil {
			return fmt.Errorf("ensure placeholders: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO call_records (`+callColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
			rec.ID, rec.CampaignID, rec.AgentID, rec.ContactID, rec.RecordID, string(rec.Channel), rec.ProviderCallID,
			string(rec.State), string(rec.Outcome), rec.Disposition, rec.Notes, rec.IsDNC, rec.StartedAt,
			nullTime(rec.ConnectedAt), nullTime(rec.EndedAt), rec.DurationSeconds, rec.CreatedAt, rec.UpdatedAt,
		)
		return err
	})
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (CallRecord, error) {
	return r.getBy(ctx, "id", id)
}

func (r *PostgresRepo) GetByProviderID(ctx context.Context, providerCallID string) (CallRecord, error) {
	if providerCallID == "" {
		return CallRecord{}, ErrNotFound
	}
	return r.getBy(ctx, "provider_call_id", providerCallID)
}

func (r *PostgresRepo) getBy(ctx context.Context, col, val string) (CallRecord, error) {
	c, err := scanCall(r.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM call_records WHERE `+col+` = $1`, val))
	if errors.Is(err, sql.ErrNoRows) {
		return CallRecord{}, ErrNotFound
	}
	return c, err
}

// Update applies p in a single conditional statement. When nothing matches it
// distinguishes a missing row from a state conflict.
func (r *PostgresRepo) Update(ctx context.Context, id string, p Patch) (CallRecord, error) {
	sets := []string{}
	args := []any{id}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if p.State != nil {
		add("state", string(*p.State))
	}
	if p.AgentID != nil {
		add("agent_id", *p.AgentID)
	}
	if p.ProviderCallID != nil {
		add("provider_call_id", *p.ProviderCallID)
	}
	if p.Outcome != nil {
		add("outcome", string(*p.Outcome))
	}
	if p.Disposition != nil {
		add("disposition", *p.Disposition)
	}
	if p.Notes != nil {
		add("notes", *p.Notes)
	}
	if p.IsDNC != nil {
		add("is_dnc", *p.IsDNC)
	}
	if p.ConnectedAt != nil {
		add("connected_at", *p.ConnectedAt)
	}
	if p.EndedAt != nil {
		add("ended_at", *p.EndedAt)
	}
	if p.Duration != nil {
		add("duration_seconds", *p.Duration)
	}
	add("updated_at", r.clock().UTC())

	where := "id = $1"
	if len(p.FromStates) > 0 {
		ph := make([]string, len(p.FromStates))
		for i, s := range p.FromStates {
			args = append(args, string(s))
			ph[i] = fmt.Sprintf("$%d", len(args))
		}
		where += " AND state IN (" + strings.Join(ph, ",") + ")"
	}

	q := `UPDATE call_records SET ` + strings.Join(sets, ", ") + ` WHERE ` + where + ` RETURNING ` + callColumns
	c, err := scanCall(r.db.QueryRowContext(ctx, q, args...))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return CallRecord{}, err
	}
	cur, gerr := r.Get(ctx, id)
	if gerr != nil {
		return CallRecord{}, gerr
	}
	return cur, ErrStateConflict
}

func (r *PostgresRepo) ListByCampaign(ctx context.Context, campaignID string, since time.Time, limit int) ([]CallRecord, error) {
	// A non-positive limit means no limit.
	rows, err := r.db.QueryContext(ctx, `
SELECT `+callColumns+`
FROM call_records
WHERE campaign_id = $1 AND started_at >= $2
ORDER BY started_at DESC, id DESC
LIMIT NULLIF($3::int, 0)`, campaignID, since, max(limit, 0))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]CallRecord, 0)
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) CountInStates(ctx context.Context, campaignID string, states ...State) (int, error) {
	if len(states) == 0 {
		return 0, nil
	}
	args := []any{campaignID}
	ph := make([]string, len(states))
	for i, s := range states {
		args = append(args, string(s))
		ph[i] = fmt.Sprintf("$%d", len(args))
	}
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM call_records WHERE campaign_id = $1 AND state IN (`+strings.Join(ph, ",")+`)`,
		args...).Scan(&n)
	return n, err
}
