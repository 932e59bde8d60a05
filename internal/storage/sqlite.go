package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"tgauto/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrNotAuthenticated is returned when activating an account that has not
	// completed code verification.
	ErrNotAuthenticated = errors.New("account not authenticated")
)

type Store struct {
	DB *sql.DB
}

// Open opens/initializes the SQLite database with WAL and foreign keys, then
// migrates the schema. All timestamps written through the store are UTC.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// Best effort; migrate below is the real gate.
	_, _ = db.Exec(`PRAGMA journal_mode=WAL;`)
	_, _ = db.Exec(`PRAGMA foreign_keys = ON;`)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close closes the underlying DB.
func (s *Store) Close() error { return s.DB.Close() }

func migrate(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			phone_number TEXT UNIQUE NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			is_active INTEGER NOT NULL DEFAULT 0,
			session_credential TEXT,
			created_at TIMESTAMP NOT NULL
		);`,
		// account_id is a weak reference on purpose: deleting an account must
		// not delete its run history.
		`CREATE TABLE IF NOT EXISTS automation_logs (
			id TEXT PRIMARY KEY,
			account_id TEXT,
			source_groups TEXT NOT NULL,
			target_group TEXT NOT NULL,
			delay_min INTEGER NOT NULL,
			delay_max INTEGER NOT NULL,
			max_members INTEGER NOT NULL,
			status TEXT NOT NULL,
			members_added INTEGER NOT NULL DEFAULT 0,
			errors INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP,
			details TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS member_logs (
			id TEXT PRIMARY KEY,
			log_id TEXT NOT NULL,
			member_id TEXT,
			action TEXT,
			success INTEGER NOT NULL,
			error_message TEXT,
			ts TIMESTAMP NOT NULL,
			FOREIGN KEY(log_id) REFERENCES automation_logs(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_logs_started ON automation_logs(started_at);`,
		`CREATE INDEX IF NOT EXISTS idx_logs_status ON automation_logs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_member_logs_log ON member_logs(log_id);`,
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

/********** Accounts **********/

// GetOrCreateAccount returns the account for the phone number, creating it in
// 'pending' when absent. The second return reports whether a row was created.
func (s *Store) GetOrCreateAccount(phone string) (*model.Account, bool, error) {
	if a, err := s.AccountByPhone(phone); err == nil {
		return a, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	a := &model.Account{
		ID:          uuid.NewString(),
		PhoneNumber: phone,
		Status:      model.StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.DB.Exec(`INSERT INTO accounts (id,phone_number,status,is_active,session_credential,created_at)
		VALUES (?,?,?,0,'',?)`,
		a.ID, a.PhoneNumber, a.Status, a.CreatedAt)
	if err != nil {
		return nil, false, err
	}
	return a, true, nil
}

const accountCols = `id,phone_number,status,is_active,COALESCE(session_credential,''),created_at`

func scanAccount(row *sql.Row) (*model.Account, error) {
	var a model.Account
	var active int
	if err := row.Scan(&a.ID, &a.PhoneNumber, &a.Status, &active, &a.Credential, &a.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.IsActive = active == 1
	return &a, nil
}

func (s *Store) AccountByID(id string) (*model.Account, error) {
	return scanAccount(s.DB.QueryRow(`SELECT `+accountCols+` FROM accounts WHERE id=?`, id))
}

func (s *Store) AccountByPhone(phone string) (*model.Account, error) {
	return scanAccount(s.DB.QueryRow(`SELECT `+accountCols+` FROM accounts WHERE phone_number=?`, phone))
}

// ActiveAccount returns the single active account, or nil when none is active.
func (s *Store) ActiveAccount() (*model.Account, error) {
	a, err := scanAccount(s.DB.QueryRow(`SELECT ` + accountCols + ` FROM accounts WHERE is_active=1`))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return a, err
}

// ListAccounts returns all accounts ordered by created_at desc.
func (s *Store) ListAccounts() ([]model.Account, error) {
	rows, err := s.DB.Query(`SELECT ` + accountCols + ` FROM accounts ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []model.Account
	for rows.Next() {
		var a model.Account
		var active int
		if err := rows.Scan(&a.ID, &a.PhoneNumber, &a.Status, &active, &a.Credential, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.IsActive = active == 1
		list = append(list, a)
	}
	return list, rows.Err()
}

// UpdateAccountStatus sets the lifecycle status of an account.
func (s *Store) UpdateAccountStatus(id, status string) error {
	res, err := s.DB.Exec(`UPDATE accounts SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAccountCredential marks the account authenticated and stores its session
// credential in one statement.
func (s *Store) SetAccountCredential(id, credential string) error {
	res, err := s.DB.Exec(`UPDATE accounts SET status=?, session_credential=? WHERE id=?`,
		model.StatusAuthenticated, credential, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActivateAccount clears is_active on every account and sets it on the given
// one, in a single transaction so the at-most-one-active invariant holds under
// concurrent requests. The account must be authenticated.
func (s *Store) ActivateAccount(id string) error {
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status string
	if err := tx.QueryRow(`SELECT status FROM accounts WHERE id=?`, id).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if status != model.StatusAuthenticated {
		return ErrNotAuthenticated
	}
	if _, err := tx.Exec(`UPDATE accounts SET is_active=0 WHERE is_active=1`); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE accounts SET is_active=1 WHERE id=?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteAccount removes the account. If it was active, no replacement is
// selected; the no-active-account state is valid.
func (s *Store) DeleteAccount(id string) error {
	res, err := s.DB.Exec(`DELETE FROM accounts WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

/********** Jobs **********/

// CreateJob inserts a new job row in 'running' and fills in its generated ID
// and start time.
func (s *Store) CreateJob(j *model.Job) error {
	j.ID = uuid.NewString()
	j.Status = model.JobRunning
	j.StartedAt = time.Now().UTC()
	groups, err := json.Marshal(j.SourceGroups)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO automation_logs
		(id,account_id,source_groups,target_group,delay_min,delay_max,max_members,status,members_added,errors,started_at)
		VALUES (?,?,?,?,?,?,?,?,0,0,?)`,
		j.ID, j.AccountID, string(groups), j.TargetGroup,
		j.DelayMin, j.DelayMax, j.MaxMembers, j.Status, j.StartedAt)
	return err
}

const jobCols = `id,COALESCE(account_id,''),source_groups,target_group,delay_min,delay_max,max_members,status,members_added,errors,started_at,finished_at,COALESCE(details,'')`

func scanJob(scan func(dest ...any) error) (*model.Job, error) {
	var j model.Job
	var groups string
	var finished sql.NullTime
	if err := scan(&j.ID, &j.AccountID, &groups, &j.TargetGroup,
		&j.DelayMin, &j.DelayMax, &j.MaxMembers, &j.Status,
		&j.MembersAdded, &j.Errors, &j.StartedAt, &finished, &j.Details); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(groups), &j.SourceGroups)
	if finished.Valid {
		t := finished.Time
		j.FinishedAt = &t
	}
	return &j, nil
}

func (s *Store) JobByID(id string) (*model.Job, error) {
	row := s.DB.QueryRow(`SELECT `+jobCols+` FROM automation_logs WHERE id=?`, id)
	j, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// ListJobs returns the most recent jobs, newest first.
func (s *Store) ListJobs(limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.Query(`SELECT `+jobCols+` FROM automation_logs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []model.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		list = append(list, *j)
	}
	return list, rows.Err()
}

// UpdateJobProgress persists the running counters. The running guard keeps a
// racing stop/finish from being overwritten by a late progress write.
func (s *Store) UpdateJobProgress(id string, added, errs int) error {
	_, err := s.DB.Exec(`UPDATE automation_logs SET members_added=?, errors=? WHERE id=? AND status=?`,
		added, errs, id, model.JobRunning)
	return err
}

// FinishJob transitions a running job to a terminal status and sets
// finished_at. Terminal statuses are write-once: the guarded UPDATE makes the
// first transition win and reports whether this call applied it.
func (s *Store) FinishJob(id, status, details string) (bool, error) {
	res, err := s.DB.Exec(`UPDATE automation_logs SET status=?, finished_at=?, details=? WHERE id=? AND status=?`,
		status, time.Now().UTC(), details, id, model.JobRunning)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// FailOrphanedJobs marks jobs left in 'running' by a previous process as
// failed, preserving their counters. Called once at startup.
func (s *Store) FailOrphanedJobs() (int64, error) {
	res, err := s.DB.Exec(`UPDATE automation_logs SET status=?, finished_at=?, details='interrupted by restart' WHERE status=?`,
		model.JobFailed, time.Now().UTC(), model.JobRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

/********** Member attempt audit **********/

// AddMemberAttempt records the outcome of a single member-add attempt.
func (s *Store) AddMemberAttempt(jobID, memberID string, success bool, errMsg string) error {
	_, err := s.DB.Exec(`INSERT INTO member_logs (id,log_id,member_id,action,success,error_message,ts)
		VALUES (?,?,?,?,?,?,?)`,
		uuid.NewString(), jobID, memberID, "add_member", btoi(success), errMsg, time.Now().UTC())
	return err
}

// ListMemberAttempts returns a job's attempt audit in chronological order.
func (s *Store) ListMemberAttempts(jobID string) ([]model.MemberAttempt, error) {
	rows, err := s.DB.Query(`SELECT id,log_id,member_id,action,success,COALESCE(error_message,''),ts
		FROM member_logs WHERE log_id=? ORDER BY ts ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []model.MemberAttempt
	for rows.Next() {
		var m model.MemberAttempt
		var success int
		if err := rows.Scan(&m.ID, &m.JobID, &m.MemberID, &m.Action, &success, &m.Error, &m.TS); err != nil {
			return nil, err
		}
		m.Success = success == 1
		list = append(list, m)
	}
	return list, rows.Err()
}

/********** Stats **********/

// StatsSince sums job counters over jobs started at or after the cutoff.
// Running jobs contribute their current counters, so in-progress work is
// visible immediately.
func (s *Store) StatsSince(since time.Time) (model.StatSummary, error) {
	var sum model.StatSummary
	row := s.DB.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(members_added), 0),
			COALESCE(SUM(errors), 0)
		FROM automation_logs
		WHERE started_at >= ?`, since.UTC())
	if err := row.Scan(&sum.TotalRuns, &sum.TotalAdded, &sum.TotalErrors); err != nil {
		return model.StatSummary{}, err
	}
	return sum, nil
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}
