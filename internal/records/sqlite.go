package records

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB is the sqlite-backed record store.
type DB struct {
	db *sql.DB
}

// Open creates or opens the record database at dataDir with WAL mode
// enabled and runs any pending migrations.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "shiftline.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", dbPath)

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// SQLite performs best with a single writer connection.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{db: sqlDB}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("record database opened", "path", dbPath)
	return db, nil
}

// Close closes the underlying database handle.
func (d *DB) Close() error { return d.db.Close() }

// migrate runs all pending SQL migration files in order.
func (d *DB) migrate() error {
	_, err := d.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		if err := d.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := d.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}
	}
	return nil
}

const employeeCols = "id, name, phone, pin, active, created_at"

func scanEmployee(row interface{ Scan(...any) error }) (Employee, error) {
	var e Employee
	err := row.Scan(&e.ID, &e.Name, &e.Phone, &e.PIN, &e.Active, &e.CreatedAt)
	return e, err
}

// EmployeeByPhone returns all active employees registered with phone.
func (d *DB) EmployeeByPhone(ctx context.Context, phone string) ([]Employee, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+employeeCols+` FROM employees WHERE phone = ? AND active = 1 ORDER BY id`, phone)
	if err != nil {
		return nil, fmt.Errorf("querying employees by phone: %w", err)
	}
	defer rows.Close()

	var out []Employee
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning employee row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EmployeeByPin returns the active employee with the given PIN.
func (d *DB) EmployeeByPin(ctx context.Context, pin string) (*Employee, error) {
	e, err := scanEmployee(d.db.QueryRowContext(ctx,
		`SELECT `+employeeCols+` FROM employees WHERE pin = ? AND pin != '' AND active = 1`, pin))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying employee by pin: %w", err)
	}
	return &e, nil
}

// ProvidersForEmployee lists the providers an employee works for.
func (d *DB) ProvidersForEmployee(ctx context.Context, employeeID string) ([]Provider, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT p.id, p.name, p.transfer_number, p.timezone
		 FROM providers p
		 JOIN employee_providers ep ON ep.provider_id = p.id
		 WHERE ep.employee_id = ? ORDER BY p.name`, employeeID)
	if err != nil {
		return nil, fmt.Errorf("querying providers for employee: %w", err)
	}
	defer rows.Close()

	var out []Provider
	for rows.Next() {
		var p Provider
		if err := rows.Scan(&p.ID, &p.Name, &p.TransferNumber, &p.Timezone); err != nil {
			return nil, fmt.Errorf("scanning provider row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ProviderByID returns one provider.
func (d *DB) ProviderByID(ctx context.Context, providerID string) (*Provider, error) {
	var p Provider
	err := d.db.QueryRowContext(ctx,
		`SELECT id, name, transfer_number, timezone FROM providers WHERE id = ?`, providerID).
		Scan(&p.ID, &p.Name, &p.TransferNumber, &p.Timezone)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying provider: %w", err)
	}
	return &p, nil
}

// ListProviders returns all providers, ordered by name.
func (d *DB) ListProviders(ctx context.Context) ([]Provider, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, name, transfer_number, timezone FROM providers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying providers: %w", err)
	}
	defer rows.Close()

	var out []Provider
	for rows.Next() {
		var p Provider
		if err := rows.Scan(&p.ID, &p.Name, &p.TransferNumber, &p.Timezone); err != nil {
			return nil, fmt.Errorf("scanning provider row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// EmployeesForProvider lists active employees of a provider.
func (d *DB) EmployeesForProvider(ctx context.Context, providerID string) ([]Employee, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT e.id, e.name, e.phone, e.pin, e.active, e.created_at
		 FROM employees e
		 JOIN employee_providers ep ON ep.employee_id = e.id
		 WHERE ep.provider_id = ? AND e.active = 1 ORDER BY e.name`, providerID)
	if err != nil {
		return nil, fmt.Errorf("querying employees for provider: %w", err)
	}
	defer rows.Close()

	var out []Employee
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning employee row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// JobTemplateByCode resolves a job code within a provider. The code match
// is case-insensitive; codes are stored upper-case.
func (d *DB) JobTemplateByCode(ctx context.Context, providerID, code string) (*JobTemplate, error) {
	var t JobTemplate
	err := d.db.QueryRowContext(ctx,
		`SELECT id, provider_id, code, patient_id, patient_name, description
		 FROM job_templates WHERE provider_id = ? AND code = ?`,
		providerID, strings.ToUpper(code)).
		Scan(&t.ID, &t.ProviderID, &t.Code, &t.PatientID, &t.PatientName, &t.Description)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying job template: %w", err)
	}
	return &t, nil
}

const occurrenceCols = "id, template_id, provider_id, employee_id, patient_id, starts_at, status, reason, created_at, updated_at"

func scanOccurrence(row interface{ Scan(...any) error }) (Occurrence, error) {
	var o Occurrence
	err := row.Scan(&o.ID, &o.TemplateID, &o.ProviderID, &o.EmployeeID, &o.PatientID,
		&o.StartsAt, &o.Status, &o.Reason, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

// OccurrencesForTemplate lists occurrences of a template, soonest first.
func (d *DB) OccurrencesForTemplate(ctx context.Context, templateID string) ([]Occurrence, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+occurrenceCols+` FROM occurrences WHERE template_id = ? ORDER BY starts_at`, templateID)
	if err != nil {
		return nil, fmt.Errorf("querying occurrences: %w", err)
	}
	defer rows.Close()

	var out []Occurrence
	for rows.Next() {
		o, err := scanOccurrence(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning occurrence row: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// OccurrenceByID returns one occurrence.
func (d *DB) OccurrenceByID(ctx context.Context, occurrenceID string) (*Occurrence, error) {
	o, err := scanOccurrence(d.db.QueryRowContext(ctx,
		`SELECT `+occurrenceCols+` FROM occurrences WHERE id = ?`, occurrenceID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying occurrence: %w", err)
	}
	return &o, nil
}

// CreateOccurrence inserts a new occurrence and returns it with the ID set.
func (d *DB) CreateOccurrence(ctx context.Context, occ Occurrence) (*Occurrence, error) {
	if occ.ID == "" {
		occ.ID = uuid.NewString()
	}
	if occ.Status == "" {
		occ.Status = OccurrenceScheduled
	}
	now := time.Now().UTC()
	occ.CreatedAt = now
	occ.UpdatedAt = now

	_, err := d.db.ExecContext(ctx,
		`INSERT INTO occurrences (id, template_id, provider_id, employee_id, patient_id, starts_at, status, reason, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		occ.ID, occ.TemplateID, occ.ProviderID, occ.EmployeeID, occ.PatientID,
		occ.StartsAt.UTC(), occ.Status, occ.Reason, occ.CreatedAt, occ.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting occurrence: %w", err)
	}
	return &occ, nil
}

// UpdateOccurrence sets the status and reason of an occurrence.
func (d *DB) UpdateOccurrence(ctx context.Context, occurrenceID, status, reason string) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE occurrences SET status = ?, reason = ?, updated_at = ? WHERE id = ?`,
		status, reason, time.Now().UTC(), occurrenceID)
	if err != nil {
		return fmt.Errorf("updating occurrence: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UnfilledShifts lists occurrences currently marked unfilled, soonest first.
func (d *DB) UnfilledShifts(ctx context.Context, providerID string) ([]Occurrence, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+occurrenceCols+` FROM occurrences
		 WHERE provider_id = ? AND status = ? ORDER BY starts_at`,
		providerID, OccurrenceUnfilled)
	if err != nil {
		return nil, fmt.Errorf("querying unfilled shifts: %w", err)
	}
	defer rows.Close()

	var out []Occurrence
	for rows.Next() {
		o, err := scanOccurrence(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning unfilled shift row: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// AppendCallLog inserts a call log and returns it with the ID assigned.
func (d *DB) AppendCallLog(ctx context.Context, log CallLog) (*CallLog, error) {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO call_logs (id, sid, provider_id, employee_id, direction, started_at, ended_at,
		 seconds, recording_url, detected_intent, purpose, raw_payload, related_occurrence_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.Sid, log.ProviderID, log.EmployeeID, log.Direction, log.StartedAt.UTC(),
		log.EndedAt, log.Seconds, log.RecordingURL, log.DetectedIntent, log.Purpose,
		log.RawPayload, log.RelatedOccurrenceID)
	if err != nil {
		return nil, fmt.Errorf("inserting call log: %w", err)
	}
	return &log, nil
}

// UpdateCallLog applies the non-nil fields of the update.
func (d *DB) UpdateCallLog(ctx context.Context, logID string, upd CallLogUpdate) error {
	sets := []string{}
	args := []any{}
	if upd.Sid != nil {
		sets = append(sets, "sid = ?")
		args = append(args, *upd.Sid)
	}
	if upd.EndedAt != nil {
		sets = append(sets, "ended_at = ?")
		args = append(args, upd.EndedAt.UTC())
	}
	if upd.Seconds != nil {
		sets = append(sets, "seconds = ?")
		args = append(args, *upd.Seconds)
	}
	if upd.RecordingURL != nil {
		sets = append(sets, "recording_url = ?")
		args = append(args, *upd.RecordingURL)
	}
	if upd.DetectedIntent != nil {
		sets = append(sets, "detected_intent = ?")
		args = append(args, *upd.DetectedIntent)
	}
	if upd.RawPayload != nil {
		sets = append(sets, "raw_payload = ?")
		args = append(args, *upd.RawPayload)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, logID)

	res, err := d.db.ExecContext(ctx,
		`UPDATE call_logs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("updating call log: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const callLogCols = "id, sid, provider_id, employee_id, direction, started_at, ended_at, seconds, recording_url, detected_intent, purpose, raw_payload, related_occurrence_id"

// CallLogBySid returns the most recent call log for a carrier call SID.
func (d *DB) CallLogBySid(ctx context.Context, sid string) (*CallLog, error) {
	var l CallLog
	err := d.db.QueryRowContext(ctx,
		`SELECT `+callLogCols+` FROM call_logs WHERE sid = ? ORDER BY started_at DESC LIMIT 1`, sid).
		Scan(&l.ID, &l.Sid, &l.ProviderID, &l.EmployeeID, &l.Direction, &l.StartedAt, &l.EndedAt,
			&l.Seconds, &l.RecordingURL, &l.DetectedIntent, &l.Purpose, &l.RawPayload, &l.RelatedOccurrenceID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying call log: %w", err)
	}
	return &l, nil
}

// CallLogCountByDirection returns total call counts keyed by direction.
func (d *DB) CallLogCountByDirection(ctx context.Context) (map[string]int64, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT direction, COUNT(*) FROM call_logs GROUP BY direction`)
	if err != nil {
		return nil, fmt.Errorf("counting call logs: %w", err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var dir string
		var n int64
		if err := rows.Scan(&dir, &n); err != nil {
			return nil, fmt.Errorf("scanning call log count: %w", err)
		}
		out[dir] = n
	}
	return out, rows.Err()
}

// ProviderByUser resolves the provider a portal user belongs to.
func (d *DB) ProviderByUser(ctx context.Context, userID string) (*Provider, error) {
	var p Provider
	err := d.db.QueryRowContext(ctx,
		`SELECT p.id, p.name, p.transfer_number, p.timezone
		 FROM providers p JOIN provider_users u ON u.provider_id = p.id
		 WHERE u.id = ?`, userID).
		Scan(&p.ID, &p.Name, &p.TransferNumber, &p.Timezone)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying provider by user: %w", err)
	}
	return &p, nil
}

// ProviderUserByEmail returns a portal user for login.
func (d *DB) ProviderUserByEmail(ctx context.Context, email string) (*ProviderUser, error) {
	var u ProviderUser
	err := d.db.QueryRowContext(ctx,
		`SELECT id, provider_id, email, password_hash, name FROM provider_users WHERE email = ?`,
		strings.ToLower(email)).
		Scan(&u.ID, &u.ProviderID, &u.Email, &u.PasswordHash, &u.Name)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying provider user: %w", err)
	}
	return &u, nil
}

// Ensure DB satisfies the Store interface.
var _ Store = (*DB)(nil)
