package campaigns

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"contact-center/pkg/utils"

	"github.com/google/uuid"
)

// NOTE: This repository assumes the tables in migrations/0001_dialer.sql:
// campaigns, contact_lists, contacts, campaign_records, agents.

type PostgresRepo struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db, clock: time.Now}
}

const campaignColumns = `id, name, dialing_mode, pacing_multiplier, abandon_rate_threshold, max_attempts,
  max_concurrent_per_agent, retry_backoff_seconds, active, hours_start, hours_end, timezone,
  placeholder, archived_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (Campaign, error) {
	var c Campaign
	var backoffSeconds int64
	var archived sql.NullTime
	if err := row.Scan(
		&c.ID,
		&c.Name,
		&c.DialingMode,
		&c.PacingMultiplier,
		&c.AbandonRateThreshold,
		&c.MaxAttempts,
		&c.MaxConcurrentPerAgent,
		&backoffSeconds,
		&c.Active,
		&c.HoursStart,
		&c.HoursEnd,
		&c.Timezone,
		&c.Placeholder,
		&archived,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return Campaign{}, err
	}
	c.RetryBackoff = time.Duration(backoffSeconds) * time.Second
	if archived.Valid {
		t := archived.Time
		c.ArchivedAt = &t
	}
	return c, nil
}

func (r *PostgresRepo) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	q := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`
	c, err := scanCampaign(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Campaign{}, ErrNotFound
		}
		return Campaign{}, err
	}
	return c, nil
}

func (r *PostgresRepo) SaveCampaign(ctx context.Context, c Campaign) error {
	const q = `
INSERT INTO campaigns (
  id, name, dialing_mode, pacing_multiplier, abandon_rate_threshold, max_attempts,
  max_concurrent_per_agent, retry_backoff_seconds, active, hours_start, hours_end, timezone,
  placeholder, archived_at, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
ON CONFLICT (id) DO UPDATE SET
  name = EXCLUDED.name,
  dialing_mode = EXCLUDED.dialing_mode,
  pacing_multiplier = EXCLUDED.pacing_multiplier,
  abandon_rate_threshold = EXCLUDED.abandon_rate_threshold,
  max_attempts = EXCLUDED.max_attempts,
  max_concurrent_per_agent = EXCLUDED.max_concurrent_per_agent,
  retry_backoff_seconds = EXCLUDED.retry_backoff_seconds,
  active = EXCLUDED.active,
  hours_start = EXCLUDED.hours_start,
  hours_end = EXCLUDED.hours_end,
  timezone = EXCLUDED.timezone,
  placeholder = EXCLUDED.placeholder,
  archived_at = EXCLUDED.archived_at,
  updated_at = EXCLUDED.updated_at
`
	_, err := r.db.ExecContext(ctx, q,
		c.ID,
		c.Name,
		c.DialingMode,
		c.PacingMultiplier,
		c.AbandonRateThreshold,
		c.MaxAttempts,
		c.MaxConcurrentPerAgent,
		int64(c.RetryBackoff/time.Second),
		c.Active,
		c.HoursStart,
		c.HoursEnd,
		c.Timezone,
		c.Placeholder,
		c.ArchivedAt,
		c.CreatedAt,
		c.UpdatedAt,
	)
	return err
}

func (r *PostgresRepo) ListCampaigns(ctx context.Context, activeOnly bool) ([]Campaign, error) {
	q := `SELECT ` + campaignColumns + ` FROM campaigns WHERE ($1 = FALSE OR active) ORDER BY id`
	rows, err := r.db.QueryContext(ctx, q, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Campaign, 0)
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) SaveList(ctx context.Context, l ContactList) error {
	const q = `
INSERT INTO contact_lists (id, campaign_id, name, active, placeholder, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, active = EXCLUDED.active
`
	_, err := r.db.ExecContext(ctx, q, l.ID, l.CampaignID, l.Name, l.Active, l.Placeholder, l.CreatedAt)
	return err
}

func (r *PostgresRepo) GetList(ctx context.Context, id string) (ContactList, error) {
	const q = `SELECT id, campaign_id, name, active, placeholder, created_at FROM contact_lists WHERE id = $1`
	var l ContactList
	if err := r.db.QueryRowContext(ctx, q, id).Scan(&l.ID, &l.CampaignID, &l.Name, &l.Active, &l.Placeholder, &l.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ContactList{}, ErrNotFound
		}
		return ContactList{}, err
	}
	return l, nil
}

func (r *PostgresRepo) GetContact(ctx context.Context, id string) (Contact, error) {
	const q = `SELECT id, list_id, phone, name, placeholder, created_at FROM contacts WHERE id = $1`
	var c Contact
	if err := r.db.QueryRowContext(ctx, q, id).Scan(
		&c.ID,
		&c.ListID,
		&c.Phone,
		&c.Name,
		&c.Placeholder,
		&c.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Contact{}, ErrNotFound
		}
		return Contact{}, err
	}
	return c, nil
}

func (r *PostgresRepo) SaveContact(ctx context.Context, c Contact) error {
	const q = `
INSERT INTO contacts (id, list_id, phone, name, placeholder, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (id) DO UPDATE SET phone = EXCLUDED.phone, name = EXCLUDED.name, placeholder = FALSE
`
	_, err := r.db.ExecContext(ctx, q, c.ID, c.ListID, c.Phone, c.Name, c.Placeholder, c.CreatedAt)
	return err
}

const recordColumns = `id, campaign_id, list_id, contact_id, priority, attempt_count, max_attempts,
  last_attempt_at, next_eligible_at, terminal, terminal_reason, in_flight, claimed_by,
  claimed_at, dialing, is_callback, created_at, updated_at`

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var last, claimed sql.NullTime
	if err := row.Scan(
		&rec.ID,
		&rec.CampaignID,
		&rec.ListID,
		&rec.ContactID,
		&rec.Priority,
		&rec.AttemptCount,
		&rec.MaxAttempts,
		&last,
		&rec.NextEligibleAt,
		&rec.Terminal,
		&rec.TerminalReason,
		&rec.InFlight,
		&rec.ClaimedBy,
		&claimed,
		&rec.Dialing,
		&rec.IsCallback,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return Record{}, err
	}
	if last.Valid {
		t := last.Time
		rec.LastAttemptAt = &t
	}
	if claimed.Valid {
		t := claimed.Time
		rec.ClaimedAt = &t
	}
	return rec, nil
}

func insertRecord(ctx context.Context, ex execer, rec Record) error {
	const q = `
INSERT INTO campaign_records (
  id, campaign_id, list_id, contact_id, priority, attempt_count, max_attempts,
  last_attempt_at, next_eligible_at, terminal, terminal_reason, in_flight, claimed_by,
  claimed_at, dialing, is_callback, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
`
	_, err := ex.ExecContext(ctx, q,
		rec.ID,
		rec.CampaignID,
		rec.ListID,
		rec.ContactID,
		rec.Priority,
		rec.AttemptCount,
		rec.MaxAttempts,
		rec.LastAttemptAt,
		rec.NextEligibleAt,
		rec.Terminal,
		rec.TerminalReason,
		rec.InFlight,
		rec.ClaimedBy,
		rec.ClaimedAt,
		rec.Dialing,
		rec.IsCallback,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	return err
}

func (r *PostgresRepo) InsertRecord(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	return insertRecord(ctx, r.db, rec)
}

func (r *PostgresRepo) GetRecord(ctx context.Context, id string) (Record, error) {
	q := `SELECT ` + recordColumns + ` FROM campaign_records WHERE id = $1`
	rec, err := scanRecord(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	return rec, nil
}

func (r *PostgresRepo) ListRecordsForContact(ctx context.Context, campaignID, contactID string) ([]Record, error) {
	q := `SELECT ` + recordColumns + ` FROM campaign_records WHERE campaign_id = $1 AND contact_id = $2 ORDER BY id`
	return queryRecords(ctx, r.db, q, campaignID, contactID)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryRecords(ctx context.Context, qr querier, q string, args ...any) ([]Record, error) {
	rows, err := qr.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// eligiblePredicate must stay in sync with Record.Eligible.
const eligiblePredicate = `
  cr.campaign_id = $1
  AND l.active
  AND NOT cr.terminal
  AND NOT cr.in_flight
  AND cr.attempt_count < cr.max_attempts
  AND cr.next_eligible_at <= $2`

// ClaimNext selects and increments in one statement. SKIP LOCKED lets
// concurrent claimers move past a row another transaction is taking.
func (r *PostgresRepo) ClaimNext(ctx context.Context, campaignID, claimant string, now time.Time) (Record, error) {
	q := `
UPDATE campaign_records AS r
SET attempt_count = r.attempt_count + 1,
    last_attempt_at = $2,
    in_flight = TRUE,
    claimed_by = $3,
    claimed_at = $2,
    dialing = FALSE,
    updated_at = $2
WHERE r.id = (
  SELECT cr.id
  FROM campaign_records cr
  JOIN contact_lists l ON l.id = cr.list_id AND l.campaign_id = cr.campaign_id
  WHERE` + eligiblePredicate + `
  ORDER BY cr.priority, cr.next_eligible_at, cr.id
  LIMIT 1
  FOR UPDATE OF cr SKIP LOCKED
)
AND NOT r.terminal
AND NOT r.in_flight
AND r.attempt_count < r.max_attempts
RETURNING ` + prefixed("r.", recordColumnList)

	at := now.UTC()
	rec, err := scanRecord(r.db.QueryRowContext(ctx, q, campaignID, at, claimant))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Record{}, err
	}

	// Nothing claimed: either the pool is empty or every candidate was locked.
	n, cerr := r.CountEligible(ctx, campaignID, now)
	if cerr != nil {
		return Record{}, cerr
	}
	if n > 0 {
		return Record{}, ErrClaimLost
	}
	return Record{}, ErrNoEligible
}

func (r *PostgresRepo) OpenClaim(ctx context.Context, campaignID, claimant string) (Record, bool, error) {
	q := `SELECT ` + recordColumns + ` FROM campaign_records
WHERE campaign_id = $1 AND claimed_by = $2 AND in_flight AND NOT dialing AND NOT terminal
ORDER BY priority, next_eligible_at, id
LIMIT 1`
	rec, err := scanRecord(r.db.QueryRowContext(ctx, q, campaignID, claimant))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (r *PostgresRepo) BeginDial(ctx context.Context, recordID, claimant string) error {
	const q = `
UPDATE campaign_records
SET dialing = TRUE, updated_at = $3
WHERE id = $1 AND claimed_by = $2 AND in_flight AND NOT dialing
`
	res, err := r.db.ExecContext(ctx, q, recordID, claimant, r.clock().UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM campaign_records WHERE id = $1)`, recordID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrNotClaimed
}

// undoClaimSet returns the attempt a claim took. Shared by every claim release.
const undoClaimSet = `
SET attempt_count = GREATEST(attempt_count - 1, 0),
    in_flight = FALSE,
    dialing = FALSE,
    claimed_by = '',
    claimed_at = NULL,
    updated_at = $2`

func (r *PostgresRepo) ReleaseClaim(ctx context.Context, recordID string) error {
	q := `UPDATE campaign_records` + undoClaimSet + `
WHERE id = $1 AND in_flight`
	_, err := r.db.ExecContext(ctx, q, recordID, r.clock().UTC())
	return err
}

func (r *PostgresRepo) ReleaseAgentClaims(ctx context.Context, claimant string) (int, error) {
	q := `UPDATE campaign_records` + undoClaimSet + `
WHERE claimed_by = $1 AND in_flight AND NOT dialing`
	return r.execCount(ctx, q, claimant, r.clock().UTC())
}

func (r *PostgresRepo) ReleaseStaleClaims(ctx context.Context, before time.Time) (int, error) {
	q := `UPDATE campaign_records` + undoClaimSet + `
WHERE claimed_at < $1 AND in_flight AND NOT dialing`
	return r.execCount(ctx, q, before.UTC(), r.clock().UTC())
}

func (r *PostgresRepo) execCount(ctx context.Context, q string, args ...any) (int, error) {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *PostgresRepo) Release(ctx context.Context, recordID string, nextEligibleAt time.Time) error {
	const q = `
UPDATE campaign_records
SET in_flight = FALSE,
    dialing = FALSE,
    claimed_by = '',
    claimed_at = NULL,
    next_eligible_at = $2,
    updated_at = $3
WHERE id = $1
`
	res, err := r.db.ExecContext(ctx, q, recordID, nextEligibleAt.UTC(), r.clock().UTC())
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *PostgresRepo) MarkTerminal(ctx context.Context, recordID, reason string) error {
	const q = `
UPDATE campaign_records
SET terminal = TRUE, terminal_reason = $2, updated_at = $3
WHERE id = $1 AND NOT terminal
`
	_, err := r.db.ExecContext(ctx, q, recordID, reason, r.clock().UTC())
	return err
}

func (r *PostgresRepo) SetTerminalForContact(ctx context.Context, campaignID, contactID, reason string) (int, error) {
	const q = `
UPDATE campaign_records
SET terminal = TRUE, terminal_reason = $3, updated_at = $4
WHERE campaign_id = $1 AND contact_id = $2
  AND NOT (terminal AND terminal_reason = $3)
`
	res, err := r.db.ExecContext(ctx, q, campaignID, contactID, reason, r.clock().UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *PostgresRepo) ScheduleCallback(ctx context.Context, req CallbackRequest) (Record, bool, error) {
	var out Record
	var created bool
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		created = false
		// Serialize callbacks per contact so two equal requests cannot both insert.
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1::text || ':' || $2::text))`, req.CampaignID, req.ContactID); err != nil {
			return err
		}
		q := `SELECT ` + recordColumns + ` FROM campaign_records WHERE campaign_id = $1 AND contact_id = $2 ORDER BY id FOR UPDATE`
		existing, err := queryRecords(ctx, tx, q, req.CampaignID, req.ContactID)
		if err != nil {
			return err
		}
		for _, rec := range existing {
			if rec.Terminal && rec.TerminalReason == TerminalReasonDNC {
				return ErrContactDNC
			}
		}

		if target, ok := pickCallbackTarget(existing, req.RecordID); ok {
			out = applyCallback(target, req)
			const uq = `
UPDATE campaign_records
SET next_eligible_at = $2, priority = $3, max_attempts = $4, is_callback = TRUE, updated_at = $5
WHERE id = $1
`
			_, err := tx.ExecContext(ctx, uq, out.ID, out.NextEligibleAt, out.Priority, out.MaxAttempts, out.UpdatedAt)
			return err
		}

		if err := UpsertPlaceholders(ctx, tx, req.Ensure, req.Now.UTC()); err != nil {
			return err
		}
		out = newCallbackRecord(req)
		out.ID = uuid.NewString()
		created = true
		return insertRecord(ctx, tx, out)
	})
	if err != nil {
		return Record{}, false, err
	}
	return out, created, nil
}

func (r *PostgresRepo) CountEligible(ctx context.Context, campaignID string, now time.Time) (int, error) {
	q := `
SELECT COUNT(*)
FROM campaign_records cr
JOIN contact_lists l ON l.id = cr.list_id AND l.campaign_id = cr.campaign_id
WHERE` + eligiblePredicate
	var n int
	if err := r.db.QueryRowContext(ctx, q, campaignID, now.UTC()).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *PostgresRepo) EnsurePlaceholders(ctx context.Context, ps []Placeholder) error {
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		return UpsertPlaceholders(ctx, tx, ps, r.clock().UTC())
	})
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// UpsertPlaceholders runs the ensure-exists inserts on ex. Callers that create
// rows referencing the placeholders pass their own transaction.
func UpsertPlaceholders(ctx context.Context, ex execer, ps []Placeholder, now time.Time) error {
	for _, p := range ps {
		var err error
		switch p.Kind {
		case PlaceholderCampaign:
			c := placeholderCampaign(p.Key, now)
			_, err = ex.ExecContext(ctx, `
INSERT INTO campaigns (id, name, dialing_mode, pacing_multiplier, abandon_rate_threshold, max_attempts,
  max_concurrent_per_agent, retry_backoff_seconds, active, hours_start, hours_end, timezone,
  placeholder, created_at, updated_at)
VALUES ($1,$2,$3,$4,0,$5,$6,0,FALSE,'','','',TRUE,$7,$7)
ON CONFLICT (id) DO NOTHING`,
				c.ID, c.Name, c.DialingMode, c.PacingMultiplier, c.MaxAttempts, c.MaxConcurrentPerAgent, now)
		case PlaceholderContactList:
			_, err = ex.ExecContext(ctx, `
INSERT INTO contact_lists (id, campaign_id, name, active, placeholder, created_at)
VALUES ($1,$2,'Manual dial',FALSE,TRUE,$3)
ON CONFLICT (id) DO NOTHING`, p.Key, p.Parent, now)
		case PlaceholderCallbackList:
			_, err = ex.ExecContext(ctx, `
INSERT INTO contact_lists (id, campaign_id, name, active, placeholder, created_at)
VALUES ($1,$2,'Callbacks',TRUE,TRUE,$3)
ON CONFLICT (id) DO NOTHING`, p.Key, p.Parent, now)
		case PlaceholderContact:
			_, err = ex.ExecContext(ctx, `
INSERT INTO contacts (id, list_id, phone, name, placeholder, created_at)
VALUES ($1,$2,$1,'',TRUE,$3)
ON CONFLICT (id) DO NOTHING`, p.Key, p.Parent, now)
		case PlaceholderAgent:
			_, err = ex.ExecContext(ctx, `
INSERT INTO agents (id, name, placeholder, created_at)
VALUES ($1,'',TRUE,$2)
ON CONFLICT (id) DO NOTHING`, p.Key, now)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

var recordColumnList = []string{
	"id", "campaign_id", "list_id", "contact_id", "priority", "attempt_count", "max_attempts",
	"last_attempt_at", "next_eligible_at", "terminal", "terminal_reason", "in_flight", "claimed_by",
	"claimed_at", "dialing", "is_callback", "created_at", "updated_at",
}

func prefixed(prefix string, cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += prefix + c
	}
	return out
}
