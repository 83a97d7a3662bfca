package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"roadassist/internal/model"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// MigrateDir applies *.sql files from dir in lexical order (dev helper).
func (p *Postgres) MigrateDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	names := []string{}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, n := range names {
		b, err := os.ReadFile(filepath.Join(dir, n))
		if err != nil {
			return err
		}
		if _, err := p.db.Exec(string(b)); err != nil {
			return fmt.Errorf("migrate %s: %w", n, err)
		}
	}
	return nil
}

// Employee roster

func (p *Postgres) CreateEmployee(ctx context.Context, in model.EmployeeInput) (model.Employee, error) {
	e := model.Employee{ID: uuid.New().String(), Name: in.Name, Specialties: in.Specialties, Available: true}
	if in.Location != nil {
		e.Location = *in.Location
	}
	if in.Available != nil {
		e.Available = *in.Available
	}
	sp, _ := json.Marshal(e.Specialties)
	_, err := p.db.ExecContext(ctx, `INSERT INTO employees (id, name, lat, lng, specialties, is_available) VALUES ($1,$2,$3,$4,$5,$6)`,
		e.ID, e.Name, e.Location.Lat, e.Location.Lng, sp, e.Available)
	if err != nil {
		return model.Employee{}, err
	}
	return e, nil
}

func (p *Postgres) GetEmployee(ctx context.Context, id string) (model.Employee, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id::text, name, lat, lng, specialties, is_available FROM employees WHERE id=$1`, id)
	e, err := scanEmployee(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Employee{}, ErrNotFound
	}
	return e, err
}

type rowScanner interface{ Scan(dest ...any) error }

func scanEmployee(r rowScanner) (model.Employee, error) {
	var e model.Employee
	var sp []byte
	if err := r.Scan(&e.ID, &e.Name, &e.Location.Lat, &e.Location.Lng, &sp, &e.Available); err != nil {
		return model.Employee{}, err
	}
	_ = json.Unmarshal(sp, &e.Specialties)
	return e, nil
}

func (p *Postgres) ListEmployees(ctx context.Context, serviceType model.ServiceType, cursor string, limit int) ([]model.Employee, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id::text, name, lat, lng, specialties, is_available FROM employees`
	args := []any{}
	where := []string{}
	if serviceType != "" {
		args = append(args, fmt.Sprintf("[%q]", serviceType))
		where = append(where, fmt.Sprintf("specialties @> $%d::jsonb", len(args)))
	}
	if cursor != "" {
		args = append(args, cursor)
		where = append(where, fmt.Sprintf("id::text > $%d", len(args)))
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY id LIMIT $%d", len(args))
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.Employee{}
	var last string
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, e)
		last = e.ID
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, rows.Err()
}

func (p *Postgres) PatchEmployee(ctx context.Context, id string, in model.EmployeeInput) (model.Employee, error) {
	sets := []string{}
	args := []any{}
	add := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}
	if in.Name != "" {
		add("name=$%d", in.Name)
	}
	if in.Location != nil {
		add("lat=$%d", in.Location.Lat)
		add("lng=$%d", in.Location.Lng)
	}
	if in.Specialties != nil {
		sp, _ := json.Marshal(in.Specialties)
		add("specialties=$%d", sp)
	}
	if in.Available != nil {
		add("is_available=$%d", *in.Available)
	}
	if len(sets) > 0 {
		args = append(args, id)
		q := fmt.Sprintf(`UPDATE employees SET %s WHERE id=$%d`, strings.Join(sets, ", "), len(args))
		if _, err := p.db.ExecContext(ctx, q, args...); err != nil {
			return model.Employee{}, err
		}
	}
	return p.GetEmployee(ctx, id)
}

func (p *Postgres) ListAvailable(ctx context.Context, serviceType model.ServiceType) ([]model.Employee, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, name, lat, lng, specialties, is_available FROM employees
		WHERE is_available AND specialties @> $1::jsonb`, fmt.Sprintf("[%q]", serviceType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Employee{}
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) Reserve(ctx context.Context, employeeID string) (bool, error) {
	// compare-and-set: only one concurrent match wins the employee
	res, err := p.db.ExecContext(ctx, `UPDATE employees SET is_available=false WHERE id=$1 AND is_available`, employeeID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *Postgres) Release(ctx context.Context, employeeID string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE employees SET is_available=true WHERE id=$1`, employeeID)
	return err
}

// Request history

func (p *Postgres) RecordCompletion(ctx context.Context, r *model.ServiceRequest) error {
	snap, _ := json.Marshal(r)
	empID := ""
	if r.Employee != nil {
		empID = r.Employee.ID
	}
	amount := 0
	if r.Quote != nil {
		amount = r.Quote.Amount
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO completed_requests (id, requester_id, service_type, employee_id, amount, decline_count, snapshot, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now()) ON CONFLICT (id) DO NOTHING`,
		r.ID, r.RequesterID, string(r.ServiceType), nullIfEmpty(empID), amount, r.DeclineCount, snap)
	return err
}

func (p *Postgres) ListHistory(ctx context.Context, requesterID, cursor string, limit int) ([]model.ServiceRequest, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if cursor != "" {
		rows, err = p.db.QueryContext(ctx, `SELECT snapshot FROM completed_requests WHERE requester_id=$1 AND id::text > $2 ORDER BY id LIMIT $3`, requesterID, cursor, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `SELECT snapshot FROM completed_requests WHERE requester_id=$1 ORDER BY id LIMIT $2`, requesterID, limit)
	}
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.ServiceRequest{}
	var last string
	for rows.Next() {
		var snap []byte
		if err := rows.Scan(&snap); err != nil {
			return nil, "", err
		}
		var r model.ServiceRequest
		if err := json.Unmarshal(snap, &r); err != nil {
			return nil, "", err
		}
		out = append(out, r)
		last = r.ID
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, rows.Err()
}

func (p *Postgres) RequestStats(ctx context.Context) (map[string]any, error) {
	out := map[string]any{}
	var completed, declines int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(decline_count),0) FROM completed_requests`).Scan(&completed, &declines); err != nil {
		return nil, err
	}
	out["completed"] = completed
	out["totalDeclines"] = declines
	rows, err := p.db.QueryContext(ctx, `SELECT service_type, COUNT(*) FROM completed_requests GROUP BY service_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	byType := map[string]int{}
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		byType[t] = n
	}
	out["byServiceType"] = byType
	return out, rows.Err()
}

// Webhook subscriptions

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	id := uuid.New().String()
	ev, _ := json.Marshal(req.Events)
	_, err := p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, tenant_id, url, events, secret) VALUES ($1,$2,$3,$4,$5)`, id, req.TenantID, req.URL, ev, req.Secret)
	if err != nil {
		return model.Subscription{}, err
	}
	return model.Subscription{ID: id, TenantID: req.TenantID, URL: req.URL, Events: req.Events, Secret: req.Secret}, nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, secret, events FROM subscriptions WHERE tenant_id=$1 AND events @> $2::jsonb`, tenantID, fmt.Sprintf("[%q]", eventType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		var s model.Subscription
		var ev []byte
		if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &ev); err != nil {
			return nil, err
		}
		s.TenantID = tenantID
		_ = json.Unmarshal(ev, &s.Events)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if cursor != "" {
		rows, err = p.db.QueryContext(ctx, `SELECT id::text, url, secret, events FROM subscriptions WHERE tenant_id=$1 AND id::text > $2 ORDER BY id LIMIT $3`, tenantID, cursor, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `SELECT id::text, url, secret, events FROM subscriptions WHERE tenant_id=$1 ORDER BY id LIMIT $2`, tenantID, limit)
	}
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	var out []model.Subscription
	var last string
	for rows.Next() {
		var s model.Subscription
		var ev []byte
		if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &ev); err != nil {
			return nil, "", err
		}
		s.TenantID = tenantID
		_ = json.Unmarshal(ev, &s.Events)
		out = append(out, s)
		last = s.ID
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, rows.Err()
}

func (p *Postgres) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	return err
}

// Webhook deliveries

func (p *Postgres) EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	dk := computeDedupKey(payload)
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, tenant_id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at, dedup_key)
		VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',0,now(),$8)
		ON CONFLICT (tenant_id, event_type, url, dedup_key) DO NOTHING`, id, tenantID, nullIfEmpty(subscriptionID), eventType, url, nullIfEmpty(secret), payload, dk)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, tenant_id::text, COALESCE(subscription_id::text,''), event_type, url, COALESCE(secret,''), payload, status, attempts
		FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.TenantID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	if !success {
		if nextAttemptAt == nil {
			t := time.Now().Add(1 * time.Minute)
			nextAttemptAt = &t
		}
		_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='retry', last_error=$2, next_attempt_at=$3, updated_at=now(), response_code=$4, latency_ms=$5 WHERE id=$1`,
			id, nullIfEmpty(lastError), *nextAttemptAt, responseCode, latencyMs)
		return err
	}
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='delivered', delivered_at=now(), updated_at=now(), response_code=$2, latency_ms=$3 WHERE id=$1`, id, responseCode, latencyMs)
	return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='failed', last_error=$2, updated_at=now(), response_code=$3, latency_ms=$4 WHERE id=$1`, id, nullIfEmpty(lastError), responseCode, latencyMs)
	if err != nil {
		return err
	}
	// move to DLQ
	_, err = p.db.ExecContext(ctx, `INSERT INTO webhook_dlq (id, tenant_id, delivery_id, event_type, url, secret, payload, attempts, last_error)
		SELECT gen_random_uuid(), tenant_id, id, event_type, url, secret, payload, attempts+1, $2 FROM webhook_deliveries WHERE id=$1`, id, nullIfEmpty(lastError))
	return err
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]map[string]any, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id::text, event_type, status, attempts, next_attempt_at, COALESCE(last_error,''), url FROM webhook_deliveries WHERE tenant_id=$1`
	var rows *sql.Rows
	var err error
	if status != "" {
		q += ` AND status=$2 ORDER BY id LIMIT $3`
		rows, err = p.db.QueryContext(ctx, q, tenantID, status, limit)
	} else {
		q += ` ORDER BY id LIMIT $2`
		rows, err = p.db.QueryContext(ctx, q, tenantID, limit)
	}
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []map[string]any{}
	var last string
	for rows.Next() {
		var id, typ, st, lastErr, url string
		var attempts int
		var nextAt sql.NullTime
		if err := rows.Scan(&id, &typ, &st, &attempts, &nextAt, &lastErr, &url); err != nil {
			return nil, "", err
		}
		m := map[string]any{"id": id, "eventType": typ, "status": st, "attempts": attempts, "url": url}
		if nextAt.Valid {
			m["nextAttemptAt"] = nextAt.Time
		}
		if lastErr != "" {
			m["lastError"] = lastErr
		}
		out = append(out, m)
		last = id
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, rows.Err()
}

func (p *Postgres) RetryWebhookDelivery(ctx context.Context, tenantID, id string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='pending', next_attempt_at=now() WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	return err
}

func (p *Postgres) ListWebhookDLQ(ctx context.Context, tenantID, cursor string, limit int) ([]map[string]any, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if cursor != "" {
		rows, err = p.db.QueryContext(ctx, `SELECT id::text, delivery_id::text, event_type, url, attempts, COALESCE(last_error,'') FROM webhook_dlq WHERE tenant_id=$1 AND id::text > $2 ORDER BY id LIMIT $3`, tenantID, cursor, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `SELECT id::text, delivery_id::text, event_type, url, attempts, COALESCE(last_error,'') FROM webhook_dlq WHERE tenant_id=$1 ORDER BY id LIMIT $2`, tenantID, limit)
	}
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []map[string]any{}
	var last string
	for rows.Next() {
		var id, did, typ, url, lastErr string
		var attempts int
		if err := rows.Scan(&id, &did, &typ, &url, &attempts, &lastErr); err != nil {
			return nil, "", err
		}
		m := map[string]any{"id": id, "deliveryId": did, "eventType": typ, "url": url, "attempts": attempts}
		if lastErr != "" {
			m["lastError"] = lastErr
		}
		out = append(out, m)
		last = id
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, rows.Err()
}

func (p *Postgres) RequeueWebhookDLQ(ctx context.Context, tenantID, id string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='pending', next_attempt_at=now()
		WHERE tenant_id=$1 AND id=(SELECT delivery_id FROM webhook_dlq WHERE tenant_id=$1 AND id=$2)`, tenantID, id)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `DELETE FROM webhook_dlq WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	return err
}

func computeDedupKey(payload []byte) string {
	h := sha256.Sum256(payload)
	return hex.EncodeToString(h[:])
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
