// Package registry implements the control plane: a single-writer,
// many-reader relational store of Repositories, Worktrees, and
// AgentActivity, backed by a local SQLite database file via
// modernc.org/sqlite (pure Go, no cgo).
package registry

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	// Pure-Go SQLite driver, registered under "sqlite".
	_ "modernc.org/sqlite"

	"github.com/delorenj/imi-go/internal/imierr"
)

var httpsGithubURL = regexp.MustCompile(`^https://github\.com/(.+)/(.+?)(?:\.git)?$`)

// NormalizeRemoteURL rewrites an HTTPS GitHub URL to its SSH form and
// ensures a trailing ".git" suffix. Non-GitHub-HTTPS URLs are passed
// through unchanged except for the trailing-suffix rule.
func NormalizeRemoteURL(url string) string {
	normalized := url
	if caps := httpsGithubURL.FindStringSubmatch(url); caps != nil {
		normalized = "git@github.com:" + caps[1] + "/" + caps[2] + ".git"
	}
	if !strings.HasSuffix(normalized, ".git") {
		normalized += ".git"
	}
	return normalized
}

// Repository mirrors a `repositories` row.
type Repository struct {
	ID            string
	Name          string
	Path          string
	RemoteURL     string
	DefaultBranch string
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Worktree mirrors a `worktrees` row.
type Worktree struct {
	ID         string
	RepoName   string
	Name       string
	Branch     string
	Kind       string
	Path       string
	AgentOwner string // empty means unowned
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AgentActivity mirrors an append-only `agent_activities` audit row.
type AgentActivity struct {
	ID          string
	WorktreeID  string
	AgentID     string
	Kind        string
	FilePath    string
	Description string
	CreatedAt   time.Time
}

// Registry owns the single *sql.DB connection pool for the process.
type Registry struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path,
// enables WAL journaling for reader/writer concurrency, and applies the
// schema. parallelism sizes the connection pool; SQLite serializes
// writers regardless, so 1 is a reasonable default.
func Open(path string, parallelism int) (*Registry, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, imierr.New(imierr.CodeIOError, "creating registry directory", "", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, imierr.New(imierr.CodeRegistryError, "opening registry database", "", err)
	}
	if parallelism < 1 {
		parallelism = 1
	}
	db.SetMaxOpenConns(parallelism)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close() //nolint:errcheck // best-effort cleanup on init failure
		return nil, imierr.New(imierr.CodeRegistryError, "enabling WAL mode", "", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close() //nolint:errcheck // best-effort cleanup on init failure
		return nil, imierr.New(imierr.CodeRegistryError, "enabling foreign keys", "", err)
	}

	r := &Registry{db: db}
	if err := r.migrate(); err != nil {
		db.Close() //nolint:errcheck // best-effort cleanup on init failure
		return nil, err
	}
	return r, nil
}

// Close releases the underlying connection pool.
func (r *Registry) Close() error { return r.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS repositories (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL UNIQUE,
	path           TEXT NOT NULL,
	remote_url     TEXT NOT NULL,
	default_branch TEXT NOT NULL,
	active         INTEGER NOT NULL DEFAULT 1,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS worktrees (
	id          TEXT PRIMARY KEY,
	repo_name   TEXT NOT NULL,
	name        TEXT NOT NULL,
	branch      TEXT NOT NULL,
	kind        TEXT NOT NULL,
	path        TEXT NOT NULL,
	agent_owner TEXT,
	active      INTEGER NOT NULL DEFAULT 1,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_worktrees_repo_active ON worktrees(repo_name, active);

CREATE TABLE IF NOT EXISTS agent_activities (
	id          TEXT PRIMARY KEY,
	worktree_id TEXT NOT NULL,
	agent_id    TEXT NOT NULL,
	kind        TEXT NOT NULL,
	file_path   TEXT,
	description TEXT,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activities_worktree ON agent_activities(worktree_id);
`

func (r *Registry) migrate() error {
	if _, err := r.db.Exec(schema); err != nil {
		return imierr.New(imierr.CodeRegistryError, "applying registry schema", "", err)
	}
	return nil
}

// timestampFormat is RFC 3339 with fixed-width, zero-padded nanoseconds.
// RFC3339Nano trims trailing zeros, which breaks the lexicographic
// ordering the ORDER BY updated_at queries rely on.
const timestampFormat = "2006-01-02T15:04:05.000000000Z07:00"

func nowRFC3339() string { return time.Now().UTC().Format(timestampFormat) }

// RegisterRepository upserts a Repository by name and returns its id.
// Does not touch worktrees.
func (r *Registry) RegisterRepository(ctx context.Context, name, path, remote, defaultBranch string) (string, error) {
	now := nowRFC3339()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", imierr.New(imierr.CodeRegistryError, "beginning transaction", "", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var id string
	err = tx.QueryRowContext(ctx, `SELECT id FROM repositories WHERE name = ?`, name).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		id = uuid.NewString()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO repositories (id, name, path, remote_url, default_branch, active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
			id, name, path, remote, defaultBranch, now, now)
	case err == nil:
		_, err = tx.ExecContext(ctx, `
			UPDATE repositories
			SET path = ?, remote_url = ?, default_branch = ?, active = 1, updated_at = ?
			WHERE id = ?`,
			path, remote, defaultBranch, now, id)
	}
	if err != nil {
		return "", imierr.New(imierr.CodeRegistryError, "registering repository", "", err)
	}
	if err := tx.Commit(); err != nil {
		return "", imierr.New(imierr.CodeRegistryError, "committing repository registration", "", err)
	}
	return id, nil
}

// RegisterWorktree upserts on (repo, name). Replacing an existing active
// pair deactivates the prior row and inserts a fresh one with a new id,
// so downstream audit rows keyed on the old id are not silently
// reattached to a different worktree sharing the name.
func (r *Registry) RegisterWorktree(ctx context.Context, repo, kind, name, branch, path, agentOwner string) (string, error) {
	now := nowRFC3339()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", imierr.New(imierr.CodeRegistryError, "beginning transaction", "", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `
		UPDATE worktrees SET active = 0, updated_at = ?
		WHERE repo_name = ? AND name = ? AND active = 1`,
		now, repo, name); err != nil {
		return "", imierr.New(imierr.CodeRegistryError, "deactivating prior worktree row", "", err)
	}

	id := uuid.NewString()
	var owner any
	if agentOwner != "" {
		owner = agentOwner
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO worktrees (id, repo_name, name, branch, kind, path, agent_owner, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		id, repo, name, branch, kind, path, owner, now, now); err != nil {
		return "", imierr.New(imierr.CodeRegistryError, "inserting worktree row", "", err)
	}

	if err := tx.Commit(); err != nil {
		return "", imierr.New(imierr.CodeRegistryError, "committing worktree registration", "", err)
	}
	return id, nil
}

// GetRepository returns the active row for name, or nil if absent.
func (r *Registry) GetRepository(ctx context.Context, name string) (*Repository, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, path, remote_url, default_branch, active, created_at, updated_at
		FROM repositories WHERE name = ? AND active = 1`, name)

	var repo Repository
	var createdAt, updatedAt string
	var active int
	err := row.Scan(&repo.ID, &repo.Name, &repo.Path, &repo.RemoteURL, &repo.DefaultBranch, &active, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, imierr.New(imierr.CodeRegistryError, "reading repository", "", err)
	}
	repo.Active = active != 0
	repo.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	repo.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &repo, nil
}

// GetWorktree returns the active row for (repo, name), or nil if absent.
func (r *Registry) GetWorktree(ctx context.Context, repo, name string) (*Worktree, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, repo_name, name, branch, kind, path, COALESCE(agent_owner, ''), active, created_at, updated_at
		FROM worktrees WHERE repo_name = ? AND name = ? AND active = 1`, repo, name)
	wt, err := scanWorktree(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, imierr.New(imierr.CodeRegistryError, "reading worktree", "", err)
	}
	return wt, nil
}

// ListWorktrees returns active rows for repo (or every active row if
// repo is empty), sorted by updated_at descending.
func (r *Registry) ListWorktrees(ctx context.Context, repo string) ([]Worktree, error) {
	query := `
		SELECT id, repo_name, name, branch, kind, path, COALESCE(agent_owner, ''), active, created_at, updated_at
		FROM worktrees WHERE active = 1`
	args := []any{}
	if repo != "" {
		query += ` AND repo_name = ?`
		args = append(args, repo)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, imierr.New(imierr.CodeRegistryError, "listing worktrees", "", err)
	}
	defer rows.Close()

	var out []Worktree
	for rows.Next() {
		wt, err := scanWorktree(rows)
		if err != nil {
			return nil, imierr.New(imierr.CodeRegistryError, "scanning worktree row", "", err)
		}
		out = append(out, *wt)
	}
	return out, rows.Err()
}

// ListRepositories returns active repositories sorted by updated_at
// descending.
func (r *Registry) ListRepositories(ctx context.Context) ([]Repository, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, path, remote_url, default_branch, active, created_at, updated_at
		FROM repositories WHERE active = 1 ORDER BY updated_at DESC`)
	if err != nil {
		return nil, imierr.New(imierr.CodeRegistryError, "listing repositories", "", err)
	}
	defer rows.Close()

	var out []Repository
	for rows.Next() {
		var repo Repository
		var createdAt, updatedAt string
		var active int
		if err := rows.Scan(&repo.ID, &repo.Name, &repo.Path, &repo.RemoteURL, &repo.DefaultBranch, &active, &createdAt, &updatedAt); err != nil {
			return nil, imierr.New(imierr.CodeRegistryError, "scanning repository row", "", err)
		}
		repo.Active = active != 0
		repo.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		repo.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, repo)
	}
	return out, rows.Err()
}

// TouchRepository bumps updated_at to now, bubbling the row to the top
// of ListRepositories.
func (r *Registry) TouchRepository(ctx context.Context, name string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE repositories SET updated_at = ? WHERE name = ?`, nowRFC3339(), name)
	if err != nil {
		return imierr.New(imierr.CodeRegistryError, "touching repository", "", err)
	}
	return nil
}

// TouchWorktree bumps updated_at to now for the active (repo, name) row.
func (r *Registry) TouchWorktree(ctx context.Context, repo, name string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE worktrees SET updated_at = ? WHERE repo_name = ? AND name = ? AND active = 1`,
		nowRFC3339(), repo, name)
	if err != nil {
		return imierr.New(imierr.CodeRegistryError, "touching worktree", "", err)
	}
	return nil
}

// DeactivateWorktree sets active=false for (repo, name). Idempotent.
func (r *Registry) DeactivateWorktree(ctx context.Context, repo, name string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE worktrees SET active = 0, updated_at = ? WHERE repo_name = ? AND name = ? AND active = 1`,
		nowRFC3339(), repo, name)
	if err != nil {
		return imierr.New(imierr.CodeRegistryError, "deactivating worktree", "", err)
	}
	return nil
}

// LogActivity appends an audit record tied to worktreeID.
func (r *Registry) LogActivity(ctx context.Context, worktreeID, agentID, kind, filePath, description string) error {
	var fp any
	if filePath != "" {
		fp = filePath
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO agent_activities (id, worktree_id, agent_id, kind, file_path, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), worktreeID, agentID, kind, fp, description, nowRFC3339())
	if err != nil {
		return imierr.New(imierr.CodeRegistryError, "logging activity", "", err)
	}
	return nil
}

// RecentActivities returns up to limit activity rows, most recent
// first, optionally restricted to worktreeID.
func (r *Registry) RecentActivities(ctx context.Context, worktreeID string, limit int) ([]AgentActivity, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, worktree_id, agent_id, kind, COALESCE(file_path, ''), COALESCE(description, ''), created_at
		FROM agent_activities`
	args := []any{}
	if worktreeID != "" {
		query += ` WHERE worktree_id = ?`
		args = append(args, worktreeID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, imierr.New(imierr.CodeRegistryError, "reading recent activities", "", err)
	}
	defer rows.Close()

	var out []AgentActivity
	for rows.Next() {
		var a AgentActivity
		var createdAt string
		if err := rows.Scan(&a.ID, &a.WorktreeID, &a.AgentID, &a.Kind, &a.FilePath, &a.Description, &createdAt); err != nil {
			return nil, imierr.New(imierr.CodeRegistryError, "scanning activity row", "", err)
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorktree(s scanner) (*Worktree, error) {
	var wt Worktree
	var createdAt, updatedAt string
	var active int
	if err := s.Scan(&wt.ID, &wt.RepoName, &wt.Name, &wt.Branch, &wt.Kind, &wt.Path, &wt.AgentOwner, &active, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	wt.Active = active != 0
	wt.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	wt.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &wt, nil
}
