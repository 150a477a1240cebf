package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"relay/internal/model"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// NewPostgresDB wraps an already opened handle.
func NewPostgresDB(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *Postgres) Close() error                   { return p.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

const subscriberCols = `id::text, tenant_id, url, secret, secret_prefix, events, enabled, description, last_triggered_at, last_status, consecutive_failures, created_at, updated_at`

func scanSubscriber(row scanner) (model.Subscriber, error) {
	var s model.Subscriber
	var events []byte
	var lastAt sql.NullTime
	var lastStatus sql.NullInt32
	err := row.Scan(&s.ID, &s.TenantID, &s.URL, &s.Secret, &s.SecretPrefix, &events, &s.Enabled, &s.Description,
		&lastAt, &lastStatus, &s.ConsecutiveFailures, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Subscriber{}, ErrNotFound
	}
	if err != nil {
		return model.Subscriber{}, err
	}
	if err := json.Unmarshal(events, &s.Events); err != nil {
		return model.Subscriber{}, fmt.Errorf("decode events of subscriber %s: %w", s.ID, err)
	}
	if lastAt.Valid {
		t := lastAt.Time
		s.LastTriggeredAt = &t
	}
	s.LastStatus = intPtr(lastStatus)
	return s, nil
}

func (p *Postgres) CreateSubscriber(ctx context.Context, s model.Subscriber) (model.Subscriber, error) {
	if s.ID == "" {
		s.ID = newID()
	}
	ev, err := json.Marshal(s.Events)
	if err != nil {
		return model.Subscriber{}, err
	}
	row := p.db.QueryRowContext(ctx, `INSERT INTO webhook_subscribers (id, tenant_id, url, secret, secret_prefix, events, enabled, description)
		VALUES ($1,$2,$3,$4,$5,$6::jsonb,$7,$8) RETURNING `+subscriberCols,
		s.ID, s.TenantID, s.URL, s.Secret, s.SecretPrefix, string(ev), s.Enabled, s.Description)
	return scanSubscriber(row)
}

func (p *Postgres) GetSubscriber(ctx context.Context, tenantID, id string) (model.Subscriber, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+subscriberCols+` FROM webhook_subscribers WHERE tenant_id=$1 AND id::text=$2`, tenantID, id)
	return scanSubscriber(row)
}

func (p *Postgres) ListSubscribers(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscriber, string, error) {
	limit = pageSize(limit)
	var rows *sql.Rows
	var err error
	if cursor != "" {
		rows, err = p.db.QueryContext(ctx, `SELECT `+subscriberCols+` FROM webhook_subscribers WHERE tenant_id=$1 AND id::text > $2 ORDER BY id LIMIT $3`, tenantID, cursor, limit+1)
	} else {
		rows, err = p.db.QueryContext(ctx, `SELECT `+subscriberCols+` FROM webhook_subscribers WHERE tenant_id=$1 ORDER BY id LIMIT $2`, tenantID, limit+1)
	}
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.Subscriber{}
	for rows.Next() {
		s, err := scanSubscriber(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	// One extra row is fetched to tell whether another page exists.
	next := ""
	if len(out) > limit {
		out = out[:limit]
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (p *Postgres) SubscribersForEvent(ctx context.Context, tenantID, event string) ([]model.Subscriber, error) {
	ev, _ := json.Marshal([]string{event})
	rows, err := p.db.QueryContext(ctx, `SELECT `+subscriberCols+` FROM webhook_subscribers WHERE tenant_id=$1 AND enabled AND events @> $2::jsonb ORDER BY id`, tenantID, string(ev))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Subscriber
	for rows.Next() {
		s, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateSubscriber(ctx context.Context, tenantID, id string, patch model.SubscriberPatch) (model.Subscriber, error) {
	var events any
	if patch.Events != nil {
		b, err := json.Marshal(*patch.Events)
		if err != nil {
			return model.Subscriber{}, err
		}
		events = string(b)
	}
	row := p.db.QueryRowContext(ctx, `UPDATE webhook_subscribers SET
		url=COALESCE($3,url), events=COALESCE($4::jsonb,events), enabled=COALESCE($5,enabled), description=COALESCE($6,description), updated_at=now()
		WHERE tenant_id=$1 AND id::text=$2 RETURNING `+subscriberCols,
		tenantID, id, strPtrArg(patch.URL), events, boolPtrArg(patch.Enabled), strPtrArg(patch.Description))
	return scanSubscriber(row)
}

func (p *Postgres) RotateSecret(ctx context.Context, tenantID, id, secret string) (model.Subscriber, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE webhook_subscribers SET secret=$3, secret_prefix=$4, updated_at=now()
		WHERE tenant_id=$1 AND id::text=$2 RETURNING `+subscriberCols, tenantID, id, secret, model.SecretPrefix(secret))
	return scanSubscriber(row)
}

func (p *Postgres) DeleteSubscriber(ctx context.Context, tenantID, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhook_subscribers WHERE tenant_id=$1 AND id::text=$2`, tenantID, id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (p *Postgres) MarkSubscriberSuccess(ctx context.Context, id string, status int, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE webhook_subscribers SET last_triggered_at=$2, last_status=$3, consecutive_failures=0 WHERE id::text=$1`, id, at, status)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (p *Postgres) MarkSubscriberFailure(ctx context.Context, id string, status *int, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE webhook_subscribers SET last_triggered_at=$2, last_status=$3, consecutive_failures=consecutive_failures+1 WHERE id::text=$1`, id, at, intPtrArg(status))
	if err != nil {
		return err
	}
	return expectRow(res)
}

const deliveryCols = `id::text, tenant_id, subscriber_id::text, event, payload, state, attempts, manual_attempts, max_attempts, last_status, last_response, last_duration_ms, last_error, next_retry_at, created_at, updated_at`

func scanDelivery(row scanner) (model.Delivery, error) {
	var d model.Delivery
	var payload string
	var lastStatus sql.NullInt32
	var nextAt sql.NullTime
	err := row.Scan(&d.ID, &d.TenantID, &d.SubscriberID, &d.Event, &payload, &d.State, &d.Attempts, &d.ManualAttempts, &d.MaxAttempts,
		&lastStatus, &d.LastResponse, &d.LastDurationMs, &d.LastError, &nextAt, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Delivery{}, ErrNotFound
	}
	if err != nil {
		return model.Delivery{}, err
	}
	d.Payload = json.RawMessage(payload)
	d.LastStatus = intPtr(lastStatus)
	if nextAt.Valid {
		t := nextAt.Time
		d.NextRetryAt = &t
	}
	return d, nil
}

func (p *Postgres) CreateDelivery(ctx context.Context, d model.Delivery) (model.Delivery, error) {
	if d.ID == "" {
		d.ID = newID()
	}
	if d.State == "" {
		d.State = model.DeliveryPending
	}
	row := p.db.QueryRowContext(ctx, `INSERT INTO webhook_deliveries (id, tenant_id, subscriber_id, event, payload, state, max_attempts)
		VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING `+deliveryCols,
		d.ID, d.TenantID, d.SubscriberID, d.Event, string(d.Payload), d.State, d.MaxAttempts)
	return scanDelivery(row)
}

func (p *Postgres) GetDelivery(ctx context.Context, tenantID, id string) (model.Delivery, error) {
	if tenantID == "" {
		return scanDelivery(p.db.QueryRowContext(ctx, `SELECT `+deliveryCols+` FROM webhook_deliveries WHERE id::text=$1`, id))
	}
	return scanDelivery(p.db.QueryRowContext(ctx, `SELECT `+deliveryCols+` FROM webhook_deliveries WHERE tenant_id=$1 AND id::text=$2`, tenantID, id))
}

func (p *Postgres) RecordAttempt(ctx context.Context, id string, upd model.AttemptUpdate) (model.Delivery, error) {
	manual := 0
	if upd.Manual {
		manual = 1
	}
	var next any
	if upd.NextRetryAt != nil {
		next = *upd.NextRetryAt
	}
	// The state transition is a compare-and-set on the current state so a
	// stale attempt never overwrites a newer outcome.
	row := p.db.QueryRowContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, manual_attempts=manual_attempts+$2,
		state=CASE WHEN $3 <> '' AND ($10 = '' OR state=$10) THEN $3 ELSE state END,
		next_retry_at=CASE WHEN $3 <> '' AND ($10 = '' OR state=$10) THEN $8::timestamptz ELSE next_retry_at END,
		last_status=$4, last_response=$5, last_duration_ms=$6, last_error=$7, updated_at=$9
		WHERE id::text=$1 RETURNING `+deliveryCols,
		id, manual, upd.State, intPtrArg(upd.StatusCode), upd.Response, upd.DurationMs, upd.Error, next, upd.At, upd.ExpectState)
	return scanDelivery(row)
}

func (p *Postgres) CancelDelivery(ctx context.Context, id, reason string, at time.Time) (model.Delivery, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE webhook_deliveries SET state=$2, last_error=$3, next_retry_at=NULL, updated_at=$4
		WHERE id::text=$1 RETURNING `+deliveryCols, id, model.DeliveryCancelled, reason, at)
	return scanDelivery(row)
}

// ListDeliveries returns newest first. Ids are time ordered, so the cursor is the last id of the previous page.
func (p *Postgres) ListDeliveries(ctx context.Context, tenantID string, f model.DeliveryFilter) ([]model.Delivery, string, error) {
	limit := pageSize(f.Limit)
	q := `SELECT ` + deliveryCols + ` FROM webhook_deliveries WHERE tenant_id=$1`
	args := []any{tenantID}
	idx := 2
	if f.SubscriberID != "" {
		q += ` AND subscriber_id::text=$` + fmt.Sprint(idx)
		args = append(args, f.SubscriberID)
		idx++
	}
	if f.State != "" {
		q += ` AND state=$` + fmt.Sprint(idx)
		args = append(args, f.State)
		idx++
	}
	if f.StatusCode != 0 {
		q += ` AND last_status=$` + fmt.Sprint(idx)
		args = append(args, f.StatusCode)
		idx++
	}
	if f.Cursor != "" {
		q += ` AND id < $` + fmt.Sprint(idx) + `::uuid`
		args = append(args, f.Cursor)
		idx++
	}
	q += ` ORDER BY id DESC LIMIT $` + fmt.Sprint(idx)
	args = append(args, limit+1)
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.Delivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	// One extra row is fetched to tell whether another page exists.
	next := ""
	if len(out) > limit {
		out = out[:limit]
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (p *Postgres) DueDeliveries(ctx context.Context, before time.Time, limit int) ([]model.Delivery, error) {
	if limit <= 0 {
		limit = maxPageSize
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+deliveryCols+` FROM webhook_deliveries
		WHERE state IN ('pending','retrying') AND COALESCE(next_retry_at, updated_at) <= $1
		ORDER BY COALESCE(next_retry_at, updated_at) LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) DeliveryStats(ctx context.Context, tenantID string, since time.Time) ([]model.DeliveryStats, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT event, state, COUNT(*), COALESCE(AVG(last_duration_ms),0)::bigint
		FROM webhook_deliveries WHERE tenant_id=$1 AND updated_at >= $2 GROUP BY event, state ORDER BY event, state`, tenantID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.DeliveryStats{}
	for rows.Next() {
		var s model.DeliveryStats
		if err := rows.Scan(&s.Event, &s.State, &s.Count, &s.AvgDurationMs); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) RecordInboundEvent(ctx context.Context, provider, eventID, eventType string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `INSERT INTO inbound_events (provider, event_id, event_type, received_at) VALUES ($1,$2,$3,$4)
		ON CONFLICT (provider, event_id) DO NOTHING`, provider, eventID, eventType, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *Postgres) ReleaseInboundEvent(ctx context.Context, provider, eventID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM inbound_events WHERE provider=$1 AND event_id=$2`, provider, eventID)
	return err
}

func (p *Postgres) InboundSecret(ctx context.Context, tenantID, provider string) (string, error) {
	var secret string
	err := p.db.QueryRowContext(ctx, `SELECT secret FROM inbound_secrets WHERE tenant_id=$1 AND provider=$2`, tenantID, provider).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return secret, err
}

func (p *Postgres) SetInboundSecret(ctx context.Context, tenantID, provider, secret string) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO inbound_secrets (tenant_id, provider, secret) VALUES ($1,$2,$3)
		ON CONFLICT (tenant_id, provider) DO UPDATE SET secret=EXCLUDED.secret, updated_at=now()`, tenantID, provider, secret)
	return err
}

func (p *Postgres) SetBillingStatus(ctx context.Context, tenantID, customerID, status string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO billing_status (tenant_id, customer_id, status, updated_at) VALUES ($1,$2,$3,$4)
		ON CONFLICT (tenant_id) DO UPDATE SET customer_id=EXCLUDED.customer_id, status=EXCLUDED.status, updated_at=EXCLUDED.updated_at`,
		tenantID, customerID, status, at)
	return err
}

func (p *Postgres) GetBillingStatus(ctx context.Context, tenantID string) (model.BillingStatus, error) {
	var b model.BillingStatus
	err := p.db.QueryRowContext(ctx, `SELECT tenant_id, customer_id, status, updated_at FROM billing_status WHERE tenant_id=$1`, tenantID).
		Scan(&b.TenantID, &b.CustomerID, &b.Status, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.BillingStatus{}, ErrNotFound
	}
	return b, err
}

func (p *Postgres) LinkIssue(ctx context.Context, tenantID, externalID, interactionID string) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO issue_links (tenant_id, external_id, interaction_id) VALUES ($1,$2,$3)
		ON CONFLICT (tenant_id, external_id) DO UPDATE SET interaction_id=EXCLUDED.interaction_id, updated_at=now()`, tenantID, externalID, interactionID)
	return err
}

func (p *Postgres) SetIssueStatus(ctx context.Context, tenantID, externalID, status string, at time.Time) (model.IssueLink, error) {
	var l model.IssueLink
	err := p.db.QueryRowContext(ctx, `UPDATE issue_links SET status=$3, updated_at=$4 WHERE tenant_id=$1 AND external_id=$2
		RETURNING tenant_id, external_id, interaction_id, status, updated_at`, tenantID, externalID, status, at).
		Scan(&l.TenantID, &l.ExternalID, &l.InteractionID, &l.Status, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.IssueLink{}, ErrNotFound
	}
	return l, err
}

func (p *Postgres) GetIssueLink(ctx context.Context, tenantID, externalID string) (model.IssueLink, error) {
	var l model.IssueLink
	err := p.db.QueryRowContext(ctx, `SELECT tenant_id, external_id, interaction_id, status, updated_at FROM issue_links WHERE tenant_id=$1 AND external_id=$2`, tenantID, externalID).
		Scan(&l.TenantID, &l.ExternalID, &l.InteractionID, &l.Status, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.IssueLink{}, ErrNotFound
	}
	return l, err
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func intPtr(v sql.NullInt32) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int32)
	return &n
}

func intPtrArg(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func strPtrArg(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolPtrArg(v *bool) any {
	if v == nil {
		return nil
	}
	return *v
}
