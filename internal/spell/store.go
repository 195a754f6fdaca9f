package spell

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed persistence layer for spells, applications,
// repository configs, and webhook execution logs.
//
// WAL is enabled to support concurrent reads while a webhook delivery
// is being recorded.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the store at path.
func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if dir := filepath.Dir(p); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`CREATE TABLE IF NOT EXISTS repository_configs (
			id TEXT PRIMARY KEY,
			repo_name TEXT NOT NULL UNIQUE,
			default_branch TEXT NOT NULL DEFAULT 'main',
			active INTEGER NOT NULL DEFAULT 1,
			created_at_unix_ms INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS spells (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			error_type TEXT NOT NULL DEFAULT '',
			error_pattern TEXT NOT NULL,
			solution_code TEXT NOT NULL,
			tags TEXT NOT NULL DEFAULT '',
			repository_id TEXT NOT NULL DEFAULT '',
			auto_generated INTEGER NOT NULL DEFAULT 0,
			human_reviewed INTEGER NOT NULL DEFAULT 0,
			confidence_score INTEGER NOT NULL DEFAULT 50,
			created_at_unix_ms INTEGER NOT NULL,
			updated_at_unix_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_spells_error_type ON spells(error_type)`,
		`CREATE INDEX IF NOT EXISTS idx_spells_repository ON spells(repository_id)`,
		`CREATE TABLE IF NOT EXISTS spell_applications (
			id TEXT PRIMARY KEY,
			spell_id TEXT NOT NULL REFERENCES spells(id),
			repository TEXT NOT NULL,
			commit_sha TEXT NOT NULL,
			language TEXT NOT NULL DEFAULT '',
			version TEXT NOT NULL DEFAULT '',
			failing_test TEXT NOT NULL DEFAULT '',
			stack_trace TEXT NOT NULL DEFAULT '',
			patch TEXT NOT NULL,
			files_touched TEXT NOT NULL,
			rationale TEXT NOT NULL DEFAULT '',
			created_at_unix_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_applications_spell ON spell_applications(spell_id)`,
		`CREATE TABLE IF NOT EXISTS webhook_logs (
			id TEXT PRIMARY KEY,
			delivery_id TEXT NOT NULL DEFAULT '',
			event TEXT NOT NULL DEFAULT '',
			repo TEXT NOT NULL DEFAULT '',
			pr_number INTEGER NOT NULL DEFAULT 0,
			action TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at_unix_ms INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Create persists a new spell, assigning ID and timestamps.
func (s *Store) Create(ctx context.Context, sp *Spell) error {
	if sp.ID == "" {
		sp.ID = uuid.New().String()
	}
	now := time.Now()
	sp.CreatedAt = now
	sp.UpdatedAt = now
	if err := sp.Validate(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO spells (id, title, description, error_type, error_pattern, solution_code,
			tags, repository_id, auto_generated, human_reviewed, confidence_score,
			created_at_unix_ms, updated_at_unix_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sp.ID, sp.Title, sp.Description, sp.ErrorType, sp.ErrorPattern, sp.SolutionCode,
		joinTags(sp.Tags), sp.RepositoryID, boolToInt(sp.AutoGenerated), boolToInt(sp.HumanReviewed),
		sp.ConfidenceScore, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert spell: %w", err)
	}
	return nil
}

// Get retrieves a spell by ID. Returns ErrNotFound when absent.
func (s *Store) Get(ctx context.Context, id string) (*Spell, error) {
	row := s.db.QueryRowContext(ctx, selectSpellCols+` WHERE id = ?`, id)
	sp, err := scanSpell(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sp, err
}

// Update rewrites a spell's mutable fields.
func (s *Store) Update(ctx context.Context, sp *Spell) error {
	sp.UpdatedAt = time.Now()
	if err := sp.Validate(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE spells SET title=?, description=?, error_type=?, error_pattern=?,
			solution_code=?, tags=?, repository_id=?, auto_generated=?, human_reviewed=?,
			confidence_score=?, updated_at_unix_ms=?
		WHERE id=?`,
		sp.Title, sp.Description, sp.ErrorType, sp.ErrorPattern, sp.SolutionCode,
		joinTags(sp.Tags), sp.RepositoryID, boolToInt(sp.AutoGenerated), boolToInt(sp.HumanReviewed),
		sp.ConfidenceScore, sp.UpdatedAt.UnixMilli(), sp.ID)
	if err != nil {
		return fmt.Errorf("update spell: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a spell.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM spells WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete spell: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Candidates returns spells scoped to the given repository IDs,
// optionally narrowed by error type. An empty repoIDs slice means "all
// accessible" (the caller has already made that access decision). When
// the error-type filter yields nothing, all in-scope spells are
// returned so ranking can still surface partial keyword matches.
func (s *Store) Candidates(ctx context.Context, repoIDs []string, errorType string) ([]*Spell, error) {
	if errorType != "" {
		spells, err := s.listSpells(ctx, repoIDs, errorType)
		if err != nil {
			return nil, err
		}
		if len(spells) > 0 {
			return spells, nil
		}
	}
	return s.listSpells(ctx, repoIDs, "")
}

// List returns all spells scoped to the given repository IDs.
func (s *Store) List(ctx context.Context, repoIDs []string) ([]*Spell, error) {
	return s.listSpells(ctx, repoIDs, "")
}

const selectSpellCols = `
	SELECT id, title, description, error_type, error_pattern, solution_code, tags,
		repository_id, auto_generated, human_reviewed, confidence_score,
		created_at_unix_ms, updated_at_unix_ms
	FROM spells`

func (s *Store) listSpells(ctx context.Context, repoIDs []string, errorType string) ([]*Spell, error) {
	query := selectSpellCols
	var conds []string
	var args []any

	if len(repoIDs) > 0 {
		placeholders := strings.Repeat("?,", len(repoIDs))
		conds = append(conds, fmt.Sprintf("repository_id IN (%s)", placeholders[:len(placeholders)-1]))
		for _, id := range repoIDs {
			args = append(args, id)
		}
	}
	if errorType != "" {
		conds = append(conds, "LOWER(error_type) LIKE ?")
		args = append(args, "%"+strings.ToLower(errorType)+"%")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query spells: %w", err)
	}
	defer rows.Close()

	var spells []*Spell
	for rows.Next() {
		sp, err := scanSpell(rows)
		if err != nil {
			return nil, err
		}
		spells = append(spells, sp)
	}
	return spells, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSpell(r rowScanner) (*Spell, error) {
	var sp Spell
	var tags string
	var autoGen, reviewed int
	var createdMs, updatedMs int64

	err := r.Scan(&sp.ID, &sp.Title, &sp.Description, &sp.ErrorType, &sp.ErrorPattern,
		&sp.SolutionCode, &tags, &sp.RepositoryID, &autoGen, &reviewed,
		&sp.ConfidenceScore, &createdMs, &updatedMs)
	if err != nil {
		return nil, err
	}

	sp.Tags = splitTags(tags)
	sp.AutoGenerated = autoGen != 0
	sp.HumanReviewed = reviewed != 0
	sp.CreatedAt = time.UnixMilli(createdMs)
	sp.UpdatedAt = time.UnixMilli(updatedMs)
	return &sp, nil
}

// RecordApplication persists an accepted patch adaptation.
func (s *Store) RecordApplication(ctx context.Context, app *Application) error {
	if app.ID == "" {
		app.ID = uuid.New().String()
	}
	app.CreatedAt = time.Now()

	files, err := json.Marshal(app.FilesTouched)
	if err != nil {
		return fmt.Errorf("marshal files_touched: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO spell_applications (id, spell_id, repository, commit_sha, language,
			version, failing_test, stack_trace, patch, files_touched, rationale, created_at_unix_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		app.ID, app.SpellID, app.Repository, app.CommitSHA, app.Language, app.Version,
		app.FailingTest, app.StackTrace, app.Patch, string(files), app.Rationale,
		app.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert application: %w", err)
	}
	return nil
}

// Applications lists recorded adaptations for a spell, newest first.
func (s *Store) Applications(ctx context.Context, spellID string) ([]*Application, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, spell_id, repository, commit_sha, language, version, failing_test,
			stack_trace, patch, files_touched, rationale, created_at_unix_ms
		FROM spell_applications WHERE spell_id = ? ORDER BY created_at_unix_ms DESC`, spellID)
	if err != nil {
		return nil, fmt.Errorf("query applications: %w", err)
	}
	defer rows.Close()

	var apps []*Application
	for rows.Next() {
		var app Application
		var files string
		var createdMs int64
		if err := rows.Scan(&app.ID, &app.SpellID, &app.Repository, &app.CommitSHA,
			&app.Language, &app.Version, &app.FailingTest, &app.StackTrace,
			&app.Patch, &files, &app.Rationale, &createdMs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(files), &app.FilesTouched); err != nil {
			return nil, fmt.Errorf("unmarshal files_touched: %w", err)
		}
		app.CreatedAt = time.UnixMilli(createdMs)
		apps = append(apps, &app)
	}
	return apps, rows.Err()
}

// UpsertRepoConfig registers or refreshes a repository config.
func (s *Store) UpsertRepoConfig(ctx context.Context, rc *RepoConfig) error {
	if rc.ID == "" {
		rc.ID = uuid.New().String()
	}
	if rc.DefaultBranch == "" {
		rc.DefaultBranch = "main"
	}
	rc.CreatedAt = time.Now()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repository_configs (id, repo_name, default_branch, active, created_at_unix_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(repo_name) DO UPDATE SET default_branch=excluded.default_branch, active=excluded.active`,
		rc.ID, rc.RepoName, rc.DefaultBranch, boolToInt(rc.Active), rc.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert repo config: %w", err)
	}
	return nil
}

// RepoConfigByName resolves a repository config from its "owner/repo"
// full name. Returns ErrNotFound when the repository is not registered.
func (s *Store) RepoConfigByName(ctx context.Context, repoName string) (*RepoConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, repo_name, default_branch, active, created_at_unix_ms
		FROM repository_configs WHERE repo_name = ?`, repoName)

	var rc RepoConfig
	var active int
	var createdMs int64
	err := row.Scan(&rc.ID, &rc.RepoName, &rc.DefaultBranch, &active, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rc.Active = active != 0
	rc.CreatedAt = time.UnixMilli(createdMs)
	return &rc, nil
}

// LogWebhook records a webhook delivery outcome.
func (s *Store) LogWebhook(ctx context.Context, wl *WebhookLog) error {
	if wl.ID == "" {
		wl.ID = uuid.New().String()
	}
	wl.CreatedAt = time.Now()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_logs (id, delivery_id, event, repo, pr_number, action, status,
			error, duration_ms, created_at_unix_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wl.ID, wl.DeliveryID, wl.Event, wl.Repo, wl.PRNumber, wl.Action, wl.Status,
		wl.Error, wl.Duration.Milliseconds(), wl.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert webhook log: %w", err)
	}
	return nil
}

// WebhookLogs lists recent deliveries, newest first.
func (s *Store) WebhookLogs(ctx context.Context, limit int) ([]*WebhookLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, delivery_id, event, repo, pr_number, action, status, error,
			duration_ms, created_at_unix_ms
		FROM webhook_logs ORDER BY created_at_unix_ms DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query webhook logs: %w", err)
	}
	defer rows.Close()

	var logs []*WebhookLog
	for rows.Next() {
		var wl WebhookLog
		var durMs, createdMs int64
		if err := rows.Scan(&wl.ID, &wl.DeliveryID, &wl.Event, &wl.Repo, &wl.PRNumber,
			&wl.Action, &wl.Status, &wl.Error, &durMs, &createdMs); err != nil {
			return nil, err
		}
		wl.Duration = time.Duration(durMs) * time.Millisecond
		wl.CreatedAt = time.UnixMilli(createdMs)
		logs = append(logs, &wl)
	}
	return logs, rows.Err()
}

func joinTags(tags []string) string {
	return strings.Join(tags, ",")
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			tags = append(tags, t)
		}
	}
	if len(tags) == 0 {
		return nil
	}
	return tags
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
