package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/netsendo/funnel/pkg/api"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLStore implements Store on top of database/sql. The SQLite and
// PostgreSQL constructors share it and differ only in placeholders, row
// locking and a few column types.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

var _ Store = (*SQLStore)(nil)

// DB returns the underlying database handle.
func (s *SQLStore) DB() *sql.DB { return s.db }

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) skipLocked() string {
	if s.dialect == dialectPostgres {
		return " FOR UPDATE OF e SKIP LOCKED"
	}
	return ""
}

func (s *SQLStore) forUpdate() string {
	if s.dialect == dialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	floatType := "REAL"
	if s.dialect == dialectPostgres {
		floatType = "DOUBLE PRECISION"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS funnels (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			trigger_kind TEXT NOT NULL DEFAULT '',
			trigger_target TEXT NOT NULL DEFAULT '',
			settings TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL DEFAULT 0,
			updated_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS steps (
			funnel_id TEXT NOT NULL,
			id TEXT NOT NULL,
			type TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			position INTEGER NOT NULL DEFAULT 0,
			next_step TEXT NOT NULL DEFAULT '',
			next_yes TEXT NOT NULL DEFAULT '',
			next_no TEXT NOT NULL DEFAULT '',
			variants TEXT NOT NULL DEFAULT '',
			config TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (funnel_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS enrollments (
			id TEXT PRIMARY KEY,
			funnel_id TEXT NOT NULL,
			subscriber_id TEXT NOT NULL,
			status TEXT NOT NULL,
			current_step TEXT NOT NULL DEFAULT '',
			step_entered_at BIGINT NOT NULL DEFAULT 0,
			steps_completed INTEGER NOT NULL DEFAULT 0,
			history TEXT NOT NULL DEFAULT '',
			enrolled_at BIGINT NOT NULL DEFAULT 0,
			completed_at BIGINT,
			next_action_at BIGINT,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS enrollments_ready_idx ON enrollments (status, next_action_at)`,
		`CREATE INDEX IF NOT EXISTS enrollments_subscriber_idx ON enrollments (funnel_id, subscriber_id)`,
		`CREATE TABLE IF NOT EXISTS step_retries (
			enrollment_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			attempt_number INTEGER NOT NULL,
			sent_at BIGINT NOT NULL,
			condition_met_at BIGINT,
			PRIMARY KEY (enrollment_id, step_id, attempt_number)
		)`,
		`CREATE TABLE IF NOT EXISTS ab_tests (
			id TEXT PRIMARY KEY,
			funnel_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			sample_size INTEGER NOT NULL DEFAULT 0,
			confidence_level ` + floatType + ` NOT NULL DEFAULT 0,
			metric TEXT NOT NULL DEFAULT '',
			winner_variant_id TEXT NOT NULL DEFAULT '',
			started_at BIGINT,
			completed_at BIGINT,
			created_at BIGINT NOT NULL DEFAULT 0,
			UNIQUE (funnel_id, step_id)
		)`,
		`CREATE TABLE IF NOT EXISTS ab_variants (
			id TEXT PRIMARY KEY,
			test_id TEXT NOT NULL,
			name TEXT NOT NULL,
			weight INTEGER NOT NULL DEFAULT 0,
			target_step TEXT NOT NULL DEFAULT '',
			position INTEGER NOT NULL DEFAULT 0,
			enrollments INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS ab_assignments (
			test_id TEXT NOT NULL,
			enrollment_id TEXT NOT NULL,
			variant_id TEXT NOT NULL,
			converted INTEGER NOT NULL DEFAULT 0,
			conversion_value ` + floatType + ` NOT NULL DEFAULT 0,
			converted_at BIGINT,
			assigned_at BIGINT NOT NULL DEFAULT 0,
			events TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (test_id, enrollment_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// --- funnels ---

func (s *SQLStore) SaveFunnel(ctx context.Context, f *api.Funnel) error {
	settings, err := encodeJSON(f.Settings)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO funnels (id, owner_id, name, status, trigger_kind, trigger_target, settings, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = excluded.owner_id,
			name = excluded.name,
			status = excluded.status,
			trigger_kind = excluded.trigger_kind,
			trigger_target = excluded.trigger_target,
			settings = excluded.settings,
			updated_at = excluded.updated_at`),
		f.ID, f.OwnerID, f.Name, string(f.Status), string(f.Trigger.Kind), f.Trigger.TargetID,
		settings, nanos(f.CreatedAt), nanos(f.UpdatedAt),
	)
	return err
}

func (s *SQLStore) GetFunnel(ctx context.Context, id string) (*api.Funnel, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, owner_id, name, status, trigger_kind, trigger_target, settings, created_at, updated_at
		FROM funnels WHERE id = ?`), id)

	var f api.Funnel
	var status, kind, settings string
	var created, updated int64
	if err := row.Scan(&f.ID, &f.OwnerID, &f.Name, &status, &kind, &f.Trigger.TargetID, &settings, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrFunnelNotFound
		}
		return nil, err
	}
	f.Status = api.FunnelStatus(status)
	f.Trigger.Kind = api.TriggerKind(kind)
	f.CreatedAt = fromNanos(created)
	f.UpdatedAt = fromNanos(updated)
	if err := decodeJSON(settings, &f.Settings); err != nil {
		return nil, fmt.Errorf("decode funnel settings: %w", err)
	}
	return &f, nil
}

func (s *SQLStore) SetFunnelStatus(ctx context.Context, id string, status api.FunnelStatus) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE funnels SET status = ?, updated_at = ? WHERE id = ?`),
		string(status), time.Now().UnixNano(), id,
	)
	if err != nil {
		return err
	}
	return requireAffected(res, ErrFunnelNotFound)
}

func (s *SQLStore) SaveSteps(ctx context.Context, funnelID string, steps []api.Step) error {
	if _, err := s.GetFunnel(ctx, funnelID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM steps WHERE funnel_id = ?`), funnelID); err != nil {
		return err
	}
	for _, st := range steps {
		cfg, err := api.EncodeStepConfig(st.Config)
		if err != nil {
			return fmt.Errorf("encode config of step %s: %w", st.ID, err)
		}
		variants, err := encodeJSON(st.Variants)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO steps (funnel_id, id, type, name, position, next_step, next_yes, next_no, variants, config)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			funnelID, st.ID, string(st.Type), st.Name, st.Position, st.Next, st.NextYes, st.NextNo,
			variants, string(cfg),
		); err != nil {
			return fmt.Errorf("insert step %s: %w", st.ID, err)
		}
	}
	return tx.Commit()
}

const stepColumns = `funnel_id, id, type, name, position, next_step, next_yes, next_no, variants, config`

func scanStep(sc scanner) (*api.Step, error) {
	var st api.Step
	var typ, variants, cfg string
	if err := sc.Scan(&st.FunnelID, &st.ID, &typ, &st.Name, &st.Position, &st.Next, &st.NextYes, &st.NextNo, &variants, &cfg); err != nil {
		return nil, err
	}
	st.Type = api.StepType(typ)
	if err := decodeJSON(variants, &st.Variants); err != nil {
		return nil, fmt.Errorf("decode variants of step %s: %w", st.ID, err)
	}
	c, err := api.DecodeStepConfig(st.Type, []byte(cfg))
	if err != nil {
		return nil, fmt.Errorf("decode config of step %s: %w", st.ID, err)
	}
	st.Config = c
	return &st, nil
}

func (s *SQLStore) GetStep(ctx context.Context, funnelID, stepID string) (*api.Step, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+stepColumns+` FROM steps WHERE funnel_id = ? AND id = ?`), funnelID, stepID)
	st, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStepNotFound
	}
	return st, err
}

func (s *SQLStore) ListSteps(ctx context.Context, funnelID string) ([]api.Step, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+stepColumns+` FROM steps WHERE funnel_id = ? ORDER BY position, id`), funnelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// --- enrollments ---

const enrollmentColumns = `id, funnel_id, subscriber_id, status, current_step, step_entered_at,
	steps_completed, history, enrolled_at, completed_at, next_action_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanEnrollment(sc scanner) (*api.Enrollment, error) {
	var e api.Enrollment
	var status, history string
	var entered, enrolled int64
	var completed, next sql.NullInt64
	if err := sc.Scan(&e.ID, &e.FunnelID, &e.SubscriberID, &status, &e.CurrentStep, &entered,
		&e.StepsCompleted, &history, &enrolled, &completed, &next); err != nil {
		return nil, err
	}
	e.Status = api.EnrollmentStatus(status)
	e.StepEnteredAt = fromNanos(entered)
	e.EnrolledAt = fromNanos(enrolled)
	e.CompletedAt = fromNullNanos(completed)
	e.NextActionAt = fromNullNanos(next)
	if err := decodeJSON(history, &e.History); err != nil {
		return nil, fmt.Errorf("decode history of enrollment %s: %w", e.ID, err)
	}
	return &e, nil
}

func scanEnrollments(rows *sql.Rows) ([]*api.Enrollment, error) {
	defer rows.Close()
	var out []*api.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) CreateEnrollment(ctx context.Context, e *api.Enrollment) error {
	history, err := encodeJSON(e.History)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO enrollments (`+enrollmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.FunnelID, e.SubscriberID, string(e.Status), e.CurrentStep, nanos(e.StepEnteredAt),
		e.StepsCompleted, history, nanos(e.EnrolledAt), nullNanos(e.CompletedAt), nullNanos(e.NextActionAt),
	)
	return err
}

func (s *SQLStore) UpdateEnrollment(ctx context.Context, e *api.Enrollment) error {
	history, err := encodeJSON(e.History)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE enrollments
		SET status = ?, current_step = ?, step_entered_at = ?, steps_completed = ?,
			history = ?, completed_at = ?, next_action_at = ?
		WHERE id = ?`),
		string(e.Status), e.CurrentStep, nanos(e.StepEnteredAt), e.StepsCompleted,
		history, nullNanos(e.CompletedAt), nullNanos(e.NextActionAt), e.ID,
	)
	if err != nil {
		return err
	}
	return requireAffected(res, ErrEnrollmentNotFound)
}

func (s *SQLStore) GetEnrollment(ctx context.Context, id string) (*api.Enrollment, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+enrollmentColumns+` FROM enrollments WHERE id = ?`), id)
	e, err := scanEnrollment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEnrollmentNotFound
	}
	return e, err
}

func (s *SQLStore) FindOpenEnrollment(ctx context.Context, funnelID, subscriberID string) (*api.Enrollment, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+enrollmentColumns+` FROM enrollments
		WHERE funnel_id = ? AND subscriber_id = ? AND status IN (?, ?)
		ORDER BY enrolled_at DESC LIMIT 1`),
		funnelID, subscriberID, string(api.EnrollmentActive), string(api.EnrollmentWaitingCondition),
	)
	e, err := scanEnrollment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEnrollmentNotFound
	}
	return e, err
}

func (s *SQLStore) ClaimReady(ctx context.Context, now time.Time, limit int) ([]*api.Enrollment, error) {
	if limit <= 0 {
		limit = api.DefaultBatchSize
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		UPDATE enrollments SET next_action_at = NULL
		WHERE id IN (
			SELECT e.id FROM enrollments e
			JOIN funnels f ON f.id = e.funnel_id
			WHERE e.status = ? AND f.status = ?
				AND e.next_action_at IS NOT NULL AND e.next_action_at <= ?
			ORDER BY e.next_action_at
			LIMIT ?`+s.skipLocked()+`
		)
		RETURNING `+enrollmentColumns),
		string(api.EnrollmentActive), string(api.FunnelActive), now.UnixNano(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim ready enrollments: %w", err)
	}
	return scanEnrollments(rows)
}

func (s *SQLStore) ListWaiting(ctx context.Context, limit int) ([]*api.Enrollment, error) {
	if limit <= 0 {
		limit = api.DefaultBatchSize
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT e.id, e.funnel_id, e.subscriber_id, e.status, e.current_step, e.step_entered_at,
			e.steps_completed, e.history, e.enrolled_at, e.completed_at, e.next_action_at
		FROM enrollments e
		JOIN funnels f ON f.id = e.funnel_id
		WHERE e.status = ? AND f.status = ?
		ORDER BY e.step_entered_at
		LIMIT ?`),
		string(api.EnrollmentWaitingCondition), string(api.FunnelActive), limit,
	)
	if err != nil {
		return nil, err
	}
	return scanEnrollments(rows)
}

func (s *SQLStore) RearmStalled(ctx context.Context, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE enrollments SET next_action_at = ?
		WHERE status = ? AND next_action_at IS NULL
			AND (lease_owner = '' OR lease_expires_at <= ?)`),
		at.UnixNano(), string(api.EnrollmentActive), time.Now().UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLStore) Rearm(ctx context.Context, enrollmentID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE enrollments SET next_action_at = ?
		WHERE id = ? AND status = ? AND next_action_at IS NULL`),
		at.UnixNano(), enrollmentID, string(api.EnrollmentActive),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLStore) TryAcquireLease(ctx context.Context, enrollmentID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE enrollments
		SET lease_owner = ?, lease_expires_at = ?
		WHERE id = ?
		AND (
			lease_owner = ''
			OR lease_expires_at <= ?
			OR lease_owner = ?
		)`),
		owner, now.Add(ttl).UnixNano(), enrollmentID, now.UnixNano(), owner,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLStore) ReleaseLease(ctx context.Context, enrollmentID, owner string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE enrollments
		SET lease_owner = '', lease_expires_at = 0
		WHERE id = ? AND (lease_owner = '' OR lease_owner = ?)`),
		enrollmentID, owner,
	)
	return err
}

// --- retries ---

func (s *SQLStore) RecordAttempt(ctx context.Context, r api.StepRetry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var last int
	if err := tx.QueryRowContext(ctx, s.rebind(`
		SELECT COALESCE(MAX(attempt_number), 0) FROM step_retries
		WHERE enrollment_id = ? AND step_id = ?`),
		r.EnrollmentID, r.StepID,
	).Scan(&last); err != nil {
		return err
	}
	if r.AttemptNumber <= last {
		return ErrAttemptOutOfOrder
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO step_retries (enrollment_id, step_id, attempt_number, sent_at, condition_met_at)
		VALUES (?, ?, ?, ?, ?)`),
		r.EnrollmentID, r.StepID, r.AttemptNumber, nanos(r.SentAt), nullNanos(r.ConditionMetAt),
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) ListAttempts(ctx context.Context, enrollmentID, stepID string) ([]api.StepRetry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT attempt_number, sent_at, condition_met_at FROM step_retries
		WHERE enrollment_id = ? AND step_id = ?
		ORDER BY attempt_number`),
		enrollmentID, stepID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.StepRetry
	for rows.Next() {
		r := api.StepRetry{EnrollmentID: enrollmentID, StepID: stepID}
		var sent int64
		var met sql.NullInt64
		if err := rows.Scan(&r.AttemptNumber, &sent, &met); err != nil {
			return nil, err
		}
		r.SentAt = fromNanos(sent)
		r.ConditionMetAt = fromNullNanos(met)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) MarkConditionMet(ctx context.Context, enrollmentID, stepID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE step_retries SET condition_met_at = ?
		WHERE enrollment_id = ? AND step_id = ? AND condition_met_at IS NULL`),
		at.UnixNano(), enrollmentID, stepID,
	)
	return err
}

func (s *SQLStore) ClearAttempts(ctx context.Context, enrollmentID, stepID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM step_retries WHERE enrollment_id = ? AND step_id = ?`),
		enrollmentID, stepID,
	)
	return err
}

// --- A/B tests ---

const testColumns = `id, funnel_id, step_id, name, status, sample_size, confidence_level, metric,
	winner_variant_id, started_at, completed_at, created_at`

func scanTest(sc scanner) (*api.ABTest, error) {
	var t api.ABTest
	var status, metric string
	var started, completed sql.NullInt64
	var created int64
	if err := sc.Scan(&t.ID, &t.FunnelID, &t.StepID, &t.Name, &status, &t.SampleSize, &t.ConfidenceLevel,
		&metric, &t.WinnerVariantID, &started, &completed, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTestNotFound
		}
		return nil, err
	}
	t.Status = api.TestStatus(status)
	t.Metric = api.WinningMetric(metric)
	t.StartedAt = fromNullNanos(started)
	t.CompletedAt = fromNullNanos(completed)
	t.CreatedAt = fromNanos(created)
	return &t, nil
}

func (s *SQLStore) CreateTest(ctx context.Context, t *api.ABTest, variants []api.Variant) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO ab_tests (`+testColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.FunnelID, t.StepID, t.Name, string(t.Status), t.SampleSize, t.ConfidenceLevel,
		string(t.Metric), t.WinnerVariantID, nullNanos(t.StartedAt), nullNanos(t.CompletedAt), nanos(t.CreatedAt),
	); err != nil {
		return fmt.Errorf("insert ab test: %w", err)
	}
	for _, v := range variants {
		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO ab_variants (id, test_id, name, weight, target_step, position, enrollments)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			v.ID, t.ID, v.Name, v.Weight, v.TargetStep, v.Position, v.Enrollments,
		); err != nil {
			return fmt.Errorf("insert variant %s: %w", v.Name, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) UpdateTest(ctx context.Context, t *api.ABTest) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE ab_tests
		SET name = ?, status = ?, sample_size = ?, confidence_level = ?, metric = ?,
			winner_variant_id = ?, started_at = ?, completed_at = ?
		WHERE id = ?`),
		t.Name, string(t.Status), t.SampleSize, t.ConfidenceLevel, string(t.Metric),
		t.WinnerVariantID, nullNanos(t.StartedAt), nullNanos(t.CompletedAt), t.ID,
	)
	if err != nil {
		return err
	}
	return requireAffected(res, ErrTestNotFound)
}

func (s *SQLStore) GetTest(ctx context.Context, id string) (*api.ABTest, error) {
	return scanTest(s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+testColumns+` FROM ab_tests WHERE id = ?`), id))
}

func (s *SQLStore) GetTestByStep(ctx context.Context, funnelID, stepID string) (*api.ABTest, error) {
	return scanTest(s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+testColumns+` FROM ab_tests WHERE funnel_id = ? AND step_id = ?`), funnelID, stepID))
}

func (s *SQLStore) ListVariants(ctx context.Context, testID string) ([]api.Variant, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, test_id, name, weight, target_step, position, enrollments
		FROM ab_variants WHERE test_id = ? ORDER BY position, id`), testID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.Variant
	for rows.Next() {
		var v api.Variant
		if err := rows.Scan(&v.ID, &v.TestID, &v.Name, &v.Weight, &v.TargetStep, &v.Position, &v.Enrollments); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLStore) CreateAssignment(ctx context.Context, a *api.ABEnrollment) error {
	events, err := encodeJSON(a.Events)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO ab_assignments (test_id, enrollment_id, variant_id, converted, conversion_value, converted_at, assigned_at, events)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (test_id, enrollment_id) DO NOTHING`),
		a.TestID, a.EnrollmentID, a.VariantID, boolInt(a.Converted), a.ConversionValue,
		nullNanos(a.ConvertedAt), nanos(a.AssignedAt), events,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrAssignmentExists
	}

	res, err = tx.ExecContext(ctx, s.rebind(`
		UPDATE ab_variants SET enrollments = enrollments + 1 WHERE id = ? AND test_id = ?`),
		a.VariantID, a.TestID,
	)
	if err != nil {
		return err
	}
	if err := requireAffected(res, ErrTestNotFound); err != nil {
		return err
	}
	return tx.Commit()
}

const assignmentColumns = `test_id, enrollment_id, variant_id, converted, conversion_value, converted_at, assigned_at, events`

func scanAssignment(sc scanner) (*api.ABEnrollment, error) {
	var a api.ABEnrollment
	var converted int
	var convertedAt sql.NullInt64
	var assigned int64
	var events string
	if err := sc.Scan(&a.TestID, &a.EnrollmentID, &a.VariantID, &converted, &a.ConversionValue,
		&convertedAt, &assigned, &events); err != nil {
		return nil, err
	}
	a.Converted = converted != 0
	a.ConvertedAt = fromNullNanos(convertedAt)
	a.AssignedAt = fromNanos(assigned)
	if err := decodeJSON(events, &a.Events); err != nil {
		return nil, fmt.Errorf("decode ab events: %w", err)
	}
	return &a, nil
}

func (s *SQLStore) GetAssignment(ctx context.Context, testID, enrollmentID string) (*api.ABEnrollment, error) {
	a, err := scanAssignment(s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+assignmentColumns+` FROM ab_assignments WHERE test_id = ? AND enrollment_id = ?`),
		testID, enrollmentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAssignmentNotFound
	}
	return a, err
}

func (s *SQLStore) listAssignments(ctx context.Context, where string, arg string) ([]api.ABEnrollment, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+assignmentColumns+` FROM ab_assignments WHERE `+where+` ORDER BY assigned_at`), arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.ABEnrollment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListAssignmentsForEnrollment(ctx context.Context, enrollmentID string) ([]api.ABEnrollment, error) {
	return s.listAssignments(ctx, "enrollment_id = ?", enrollmentID)
}

func (s *SQLStore) MarkConverted(ctx context.Context, testID, enrollmentID string, value float64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE ab_assignments SET converted = 1, conversion_value = ?, converted_at = ?
		WHERE test_id = ? AND enrollment_id = ?`),
		value, at.UnixNano(), testID, enrollmentID,
	)
	if err != nil {
		return err
	}
	return requireAffected(res, ErrAssignmentNotFound)
}

func (s *SQLStore) AppendABEvent(ctx context.Context, testID, enrollmentID string, ev api.ABEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRowContext(ctx, s.rebind(`
		SELECT events FROM ab_assignments WHERE test_id = ? AND enrollment_id = ?`+s.forUpdate()),
		testID, enrollmentID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrAssignmentNotFound
	}
	if err != nil {
		return err
	}

	var events []api.ABEvent
	if err := decodeJSON(raw, &events); err != nil {
		return err
	}
	events = append(events, ev)
	encoded, err := encodeJSON(events)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE ab_assignments SET events = ? WHERE test_id = ? AND enrollment_id = ?`),
		encoded, testID, enrollmentID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) VariantStats(ctx context.Context, testID string) ([]api.VariantStats, error) {
	variants, err := s.ListVariants(ctx, testID)
	if err != nil {
		return nil, err
	}
	assignments, err := s.listAssignments(ctx, "test_id = ?", testID)
	if err != nil {
		return nil, err
	}
	return aggregateStats(variants, assignments), nil
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
