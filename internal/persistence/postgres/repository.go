// Package postgres provides pgx-backed persistence for sessions, quotas,
// SMS logs, and the sweep heartbeat.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/safewalk/internal/domain"
	"example.com/safewalk/internal/observability"
	"example.com/safewalk/internal/persistence"
)

const sessionColumns = `session_id, user_id, first_name, started_at, limit_time, tolerance_seconds, deadline,
        status, note, extensions_count, check_in_confirmed, check_in_confirmed_at, alert_sent_at, ended_at,
        share_location, location_latitude, location_longitude,
        contact1_name, contact1_phone, contact2_name, contact2_phone, created_at, updated_at`

// Repository provides Postgres-backed persistence for sessions and outbox events.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create persists a new session and records the started event inside a
// single transaction.
func (r *Repository) Create(ctx context.Context, session domain.Session) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	const insert = `INSERT INTO sessions (` + sessionColumns + `)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`

	if _, err = tx.Exec(ctx, insert, sessionArgs(session)...); err != nil {
		return err
	}

	if err = insertOutbox(ctx, tx, session, domain.EventSessionStarted); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return err
	}
	observability.RecordSessionPersisted(session.UpdatedAt)
	return nil
}

// Get retrieves a session by ID. A missing row returns (nil, nil).
func (r *Repository) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	const query = `SELECT ` + sessionColumns + ` FROM sessions WHERE session_id=$1`

	row := r.pool.QueryRow(ctx, query, sessionID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return session, nil
}

// Save writes the full session row and records the transition event inside
// one transaction.
func (r *Repository) Save(ctx context.Context, session domain.Session, eventType string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	const update = `UPDATE sessions SET
            first_name=$2, started_at=$3, limit_time=$4, tolerance_seconds=$5, deadline=$6, status=$7,
            note=$8, extensions_count=$9, check_in_confirmed=$10, check_in_confirmed_at=$11,
            alert_sent_at=$12, ended_at=$13, share_location=$14, location_latitude=$15, location_longitude=$16,
            contact1_name=$17, contact1_phone=$18, contact2_name=$19, contact2_phone=$20, updated_at=$21
        WHERE session_id=$1`

	args := sessionArgs(session)
	// drop user_id and created_at which never change after insert
	updateArgs := make([]interface{}, 0, 21)
	updateArgs = append(updateArgs, args[0])
	updateArgs = append(updateArgs, args[2:14]...)
	updateArgs = append(updateArgs, args[14:21]...)
	updateArgs = append(updateArgs, session.UpdatedAt)

	tag, err := tx.Exec(ctx, update, updateArgs...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		err = domain.ErrSessionNotFound
		return err
	}

	if err = insertOutbox(ctx, tx, session, eventType); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return err
	}
	observability.RecordSessionPersisted(session.UpdatedAt)
	return nil
}

// Upsert mirrors a full client-synced session row.
func (r *Repository) Upsert(ctx context.Context, session domain.Session) error {
	const stmt = `INSERT INTO sessions (` + sessionColumns + `)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
        ON CONFLICT (session_id) DO UPDATE SET
            first_name=EXCLUDED.first_name, limit_time=EXCLUDED.limit_time,
            tolerance_seconds=EXCLUDED.tolerance_seconds, deadline=EXCLUDED.deadline,
            status=EXCLUDED.status, note=EXCLUDED.note, extensions_count=EXCLUDED.extensions_count,
            check_in_confirmed=EXCLUDED.check_in_confirmed, check_in_confirmed_at=EXCLUDED.check_in_confirmed_at,
            alert_sent_at=EXCLUDED.alert_sent_at, ended_at=EXCLUDED.ended_at,
            share_location=EXCLUDED.share_location, location_latitude=EXCLUDED.location_latitude,
            location_longitude=EXCLUDED.location_longitude,
            contact1_name=EXCLUDED.contact1_name, contact1_phone=EXCLUDED.contact1_phone,
            contact2_name=EXCLUDED.contact2_name, contact2_phone=EXCLUDED.contact2_phone,
            updated_at=EXCLUDED.updated_at`

	_, err := r.pool.Exec(ctx, stmt, sessionArgs(session)...)
	if err != nil {
		return err
	}
	observability.RecordSessionPersisted(session.UpdatedAt)
	return nil
}

// Patch applies a partial update and returns the refreshed row. A missing
// session returns (nil, nil).
func (r *Repository) Patch(ctx context.Context, sessionID string, patch domain.SessionPatch) (*domain.Session, error) {
	sets := make([]string, 0, 8)
	args := []interface{}{sessionID}

	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s=$%d", column, len(args)))
	}

	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.Deadline != nil {
		add("deadline", patch.Deadline.UTC())
	}
	if patch.EndedAt != nil {
		add("ended_at", patch.EndedAt.UTC())
	}
	if patch.AlertSentAt != nil {
		add("alert_sent_at", patch.AlertSentAt.UTC())
	}
	if patch.CheckInConfirmed != nil {
		add("check_in_confirmed", *patch.CheckInConfirmed)
	}
	if patch.CheckInConfirmedAt != nil {
		add("check_in_confirmed_at", patch.CheckInConfirmedAt.UTC())
	}
	if patch.ExtensionsCount != nil {
		add("extensions_count", *patch.ExtensionsCount)
	}
	if patch.Note != nil {
		add("note", *patch.Note)
	}
	if patch.LastLocation != nil {
		add("location_latitude", patch.LastLocation.Latitude)
		add("location_longitude", patch.LastLocation.Longitude)
	}
	add("updated_at", time.Now().UTC())

	query := "UPDATE sessions SET "
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += " WHERE session_id=$1 RETURNING " + sessionColumns

	row := r.pool.QueryRow(ctx, query, args...)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return session, nil
}

// ListByUser returns sessions for a user ordered by start time descending.
func (r *Repository) ListByUser(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.Session, *domain.Cursor, error) {
	args := []interface{}{userID, limit}
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE user_id=$1`

	if cursor != nil {
		query += ` AND (started_at, session_id) < ($3, $4)`
		args = append(args, cursor.StartedAt, cursor.ID)
	}
	query += ` ORDER BY started_at DESC, session_id DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	results := make([]domain.Session, 0, limit)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, nil, err
		}
		results = append(results, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *domain.Cursor
	if len(results) == limit {
		next = persistence.CursorAfter(results[len(results)-1])
	}
	return results, next, nil
}

// ClaimOverdue atomically marks up to limit deadline-passed sessions overdue
// and returns them. Concurrent sweeps skip each other's claims via
// FOR UPDATE SKIP LOCKED.
func (r *Repository) ClaimOverdue(ctx context.Context, limit int) ([]domain.Session, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	const query = `SELECT ` + sessionColumns + `
        FROM sessions
        WHERE status IN ('active','extended','overdue') AND deadline <= NOW() AND alert_sent_at IS NULL
        ORDER BY deadline
        LIMIT $1
        FOR UPDATE SKIP LOCKED`

	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	claimed := make([]domain.Session, 0)
	ids := make([]string, 0)
	for rows.Next() {
		session, scanErr := scanSession(rows)
		if scanErr != nil {
			rows.Close()
			err = scanErr
			return nil, err
		}
		session.Status = domain.StatusOverdue
		claimed = append(claimed, *session)
		ids = append(ids, session.ID)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		tx.Rollback(ctx)
		return nil, nil
	}

	if _, err = tx.Exec(ctx, `UPDATE sessions SET status='overdue', updated_at=NOW() WHERE session_id = ANY($1)`, ids); err != nil {
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	return claimed, nil
}

// AlertAlreadySent reports whether an alert for the session was delivered,
// either committed on the session row or recorded in the SMS audit log. A
// claim stops being exclusive once its transaction commits, so the sweep
// consults this before dispatching.
func (r *Repository) AlertAlreadySent(ctx context.Context, sessionID string) (bool, error) {
	const stmt = `SELECT EXISTS (
            SELECT 1 FROM sessions WHERE session_id=$1 AND alert_sent_at IS NOT NULL
        ) OR EXISTS (
            SELECT 1 FROM sms_log WHERE session_id=$1 AND sms_type='alert' AND status='sent'
        )`

	var sent bool
	if err := r.pool.QueryRow(ctx, stmt, sessionID).Scan(&sent); err != nil {
		return false, err
	}
	return sent, nil
}

// MarkAlerted flips the idempotence gate: it sets alert_sent_at and the
// alerted status only if no prior sweep did, and reports whether this call
// won the claim. The alerted event is recorded in the same transaction.
func (r *Repository) MarkAlerted(ctx context.Context, sessionID string, at time.Time) (bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	const stmt = `UPDATE sessions SET status='alerted', alert_sent_at=$2, updated_at=$2
        WHERE session_id=$1 AND alert_sent_at IS NULL`

	tag, err := tx.Exec(ctx, stmt, sessionID, at.UTC())
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		tx.Rollback(ctx)
		return false, nil
	}

	payload, err := json.Marshal(map[string]interface{}{
		"session_id": sessionID,
		"alerted_at": at.UTC(),
	})
	if err != nil {
		return false, err
	}
	if _, err = tx.Exec(ctx, outboxInsert, "session", sessionID, "session.alerted", sessionTopic, sessionID, payload, sessionID+":session.alerted"); err != nil {
		return false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return false, err
	}
	observability.RecordAlertSent(at)
	return true, nil
}

// LogSMS appends an SMS audit row.
func (r *Repository) LogSMS(ctx context.Context, entry domain.SMSRecord) error {
	const stmt = `INSERT INTO sms_log (session_id, user_id, contact_name, contact_phone, sms_type, status, message_sid, error_message, body)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	_, err := r.pool.Exec(ctx, stmt,
		nullIfEmpty(entry.SessionID),
		entry.UserID,
		nullIfEmpty(entry.ContactName),
		entry.ContactPhone,
		entry.Type,
		entry.Status,
		nullIfEmpty(entry.MessageSID),
		nullIfEmpty(entry.ErrorMessage),
		entry.Body,
	)
	return err
}

// RecordHeartbeat upserts the daily heartbeat row for a job.
func (r *Repository) RecordHeartbeat(ctx context.Context, hb domain.SweepHeartbeat) error {
	const stmt = `INSERT INTO cron_heartbeat (function_name, run_on, last_run_at, status, processed, sent, failed, error_message)
        VALUES ($1, ($2 AT TIME ZONE 'UTC')::date, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (function_name, run_on) DO UPDATE SET
            last_run_at=EXCLUDED.last_run_at, status=EXCLUDED.status,
            processed=cron_heartbeat.processed + EXCLUDED.processed,
            sent=cron_heartbeat.sent + EXCLUDED.sent,
            failed=cron_heartbeat.failed + EXCLUDED.failed,
            error_message=EXCLUDED.error_message`

	_, err := r.pool.Exec(ctx, stmt,
		hb.FunctionName,
		hb.LastRunAt.UTC(),
		hb.Status,
		hb.Processed,
		hb.Sent,
		hb.Failed,
		nullIfEmpty(hb.ErrorMessage),
	)
	return err
}

// Profile fetches the per-user settings and credit counters.
func (r *Repository) Profile(ctx context.Context, userID string) (*domain.Profile, error) {
	const query = `SELECT user_id, first_name, phone, phone_verified, share_phone_in_alerts,
            free_alerts_remaining, free_test_sms_remaining
        FROM profiles WHERE user_id=$1`

	var p domain.Profile
	row := r.pool.QueryRow(ctx, query, userID)
	if err := row.Scan(&p.UserID, &p.FirstName, &p.Phone, &p.PhoneVerified, &p.SharePhoneInAlerts, &p.AlertsRemaining, &p.TestSMSRemaining); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrProfileNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ConsumeQuota decrements exactly one unit of the selected counter, guarded
// in SQL so concurrent consumers cannot drive it negative. Returns the
// remaining balance.
func (r *Repository) ConsumeQuota(ctx context.Context, userID string, quota domain.QuotaType) (int, error) {
	var column string
	switch quota {
	case domain.QuotaAlert:
		column = "free_alerts_remaining"
	case domain.QuotaTestSMS:
		column = "free_test_sms_remaining"
	default:
		return 0, fmt.Errorf("unknown quota type: %s", quota)
	}

	stmt := fmt.Sprintf(`UPDATE profiles SET %s = %s - 1 WHERE user_id=$1 AND %s > 0 RETURNING %s`,
		column, column, column, column)

	var remaining int
	if err := r.pool.QueryRow(ctx, stmt, userID).Scan(&remaining); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// distinguish a missing profile from an exhausted counter
			if _, profErr := r.Profile(ctx, userID); profErr != nil {
				return 0, profErr
			}
			return 0, domain.ErrQuotaExhausted
		}
		return 0, err
	}
	return remaining, nil
}

const sessionTopic = "safety_session_events"

const outboxInsert = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7) ON CONFLICT (dedupe_key) DO NOTHING`

func insertOutbox(ctx context.Context, tx pgx.Tx, session domain.Session, eventType string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"session_id":       session.ID,
		"user_id":          session.UserID,
		"status":           session.Status,
		"limit_time":       session.LimitTime,
		"deadline":         session.Deadline,
		"extensions_count": session.ExtensionsCount,
		"occurred_at":      session.UpdatedAt,
	})
	if err != nil {
		return err
	}

	dedupeKey := fmt.Sprintf("%s:%s:%d", session.ID, eventType, session.UpdatedAt.UnixNano())
	_, err = tx.Exec(ctx, outboxInsert, "session", session.ID, eventType, sessionTopic, session.UserID, payload, dedupeKey)
	return err
}

func sessionArgs(s domain.Session) []interface{} {
	var lat, lng interface{}
	if s.LastLocation != nil {
		lat = s.LastLocation.Latitude
		lng = s.LastLocation.Longitude
	}

	var c1name, c1phone, c2name, c2phone interface{}
	if len(s.Contacts) > 0 {
		c1name = nullIfEmpty(s.Contacts[0].Name)
		c1phone = s.Contacts[0].Phone
	}
	if len(s.Contacts) > 1 {
		c2name = nullIfEmpty(s.Contacts[1].Name)
		c2phone = s.Contacts[1].Phone
	}

	return []interface{}{
		s.ID,
		s.UserID,
		nullIfEmpty(s.FirstName),
		s.StartedAt,
		s.LimitTime,
		int64(s.Tolerance / time.Second),
		s.Deadline,
		s.Status,
		nullIfEmpty(s.Note),
		s.ExtensionsCount,
		s.CheckInConfirmed,
		s.CheckInConfirmedAt,
		s.AlertSentAt,
		s.EndedAt,
		s.ShareLocation,
		lat,
		lng,
		c1name,
		c1phone,
		c2name,
		c2phone,
		s.CreatedAt,
		s.UpdatedAt,
	}
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	var (
		s                                domain.Session
		toleranceSecs                    int64
		firstName, note                  *string
		lat, lng                         *float64
		c1name, c1phone, c2name, c2phone *string
	)

	if err := row.Scan(
		&s.ID, &s.UserID, &firstName, &s.StartedAt, &s.LimitTime, &toleranceSecs, &s.Deadline,
		&s.Status, &note, &s.ExtensionsCount, &s.CheckInConfirmed, &s.CheckInConfirmedAt,
		&s.AlertSentAt, &s.EndedAt, &s.ShareLocation, &lat, &lng,
		&c1name, &c1phone, &c2name, &c2phone, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}

	s.Tolerance = time.Duration(toleranceSecs) * time.Second
	if firstName != nil {
		s.FirstName = *firstName
	}
	if note != nil {
		s.Note = *note
	}
	if lat != nil && lng != nil {
		s.LastLocation = &domain.Location{Latitude: *lat, Longitude: *lng}
	}
	if c1phone != nil {
		contact := domain.Contact{Phone: *c1phone}
		if c1name != nil {
			contact.Name = *c1name
		}
		s.Contacts = append(s.Contacts, contact)
	}
	if c2phone != nil {
		contact := domain.Contact{Phone: *c2phone}
		if c2name != nil {
			contact.Name = *c2name
		}
		s.Contacts = append(s.Contacts, contact)
	}
	return &s, nil
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
