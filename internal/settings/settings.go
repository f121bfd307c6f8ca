// Package settings stores per-workspace configuration: API tokens,
// project-to-repository mappings, and the secrets handed to workers.
// Values fall back to process environment variables when unset.
package settings

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/joescharf/zenova/internal/store"
)

// DefaultWorkspace namespaces settings when no workspace is given.
const DefaultWorkspace = "default"

type Store struct {
	db *store.DB
}

func New(db *store.DB) *Store {
	return &Store{db: db}
}

// Get returns a setting value, falling back to the environment variable
// of the same name.
func (s *Store) Get(ctx context.Context, workspace, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM settings WHERE workspace = ? AND key = ?", workspace, key).Scan(&value)
	if err == sql.ErrNoRows || (err == nil && value == "") {
		return os.Getenv(key), nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, nil
}

// Set writes a setting. An empty value deletes the key so the
// environment fallback applies again.
func (s *Store) Set(ctx context.Context, workspace, key, value string) error {
	if value == "" {
		_, err := s.db.ExecContext(ctx,
			"DELETE FROM settings WHERE workspace = ? AND key = ?", workspace, key)
		if err != nil {
			return fmt.Errorf("delete setting %s: %w", key, err)
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (workspace, key, value) VALUES (?, ?, ?)
		ON CONFLICT(workspace, key) DO UPDATE SET value = excluded.value`,
		workspace, key, value)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// All returns the stored settings for a workspace, unmasked.
func (s *Store) All(ctx context.Context, workspace string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value FROM settings WHERE workspace = ?", workspace)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Masked returns the settings with sensitive values redacted for
// display. The masked form contains "..." so a round-tripped save can be
// recognized and ignored.
func (s *Store) Masked(ctx context.Context, workspace string) (map[string]string, error) {
	all, err := s.All(ctx, workspace)
	if err != nil {
		return nil, err
	}
	for k, v := range all {
		all[k] = MaskValue(k, v)
	}
	return all, nil
}

// MaskValue redacts token-like values, keeping a recognizable prefix and
// suffix.
func MaskValue(key, value string) string {
	if len(value) <= 8 {
		return value
	}
	if !strings.Contains(key, "TOKEN") && !strings.Contains(key, "KEY") && !strings.Contains(key, "SECRET") {
		return value
	}
	return value[:6] + "..." + value[len(value)-4:]
}

// IsMasked reports whether a value is a redacted round-trip that must
// not overwrite the stored original.
func IsMasked(value string) bool {
	return strings.Contains(value, "...")
}

// SetRepo maps a project to its git repository URL. An empty URL removes
// the mapping.
func (s *Store) SetRepo(ctx context.Context, workspace, projectID, repoURL string) error {
	if repoURL == "" {
		_, err := s.db.ExecContext(ctx,
			"DELETE FROM project_repos WHERE workspace = ? AND project_id = ?", workspace, projectID)
		if err != nil {
			return fmt.Errorf("delete repo mapping: %w", err)
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO project_repos (workspace, project_id, repo_url) VALUES (?, ?, ?)
		ON CONFLICT(workspace, project_id) DO UPDATE SET repo_url = excluded.repo_url`,
		workspace, projectID, repoURL)
	if err != nil {
		return fmt.Errorf("set repo mapping: %w", err)
	}
	return nil
}

// RepoForProject resolves the repository a worker should clone:
// per-project mapping, then the workspace DEFAULT_REPO_URL setting, then
// the REPO_URL environment variable.
func (s *Store) RepoForProject(ctx context.Context, workspace, projectID string) (string, error) {
	var url string
	err := s.db.QueryRowContext(ctx,
		"SELECT repo_url FROM project_repos WHERE workspace = ? AND project_id = ?",
		workspace, projectID).Scan(&url)
	if err == nil && url != "" {
		return url, nil
	}
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("get repo mapping: %w", err)
	}

	fallback, err := s.Get(ctx, workspace, "DEFAULT_REPO_URL")
	if err != nil {
		return "", err
	}
	if fallback != "" {
		return fallback, nil
	}
	return os.Getenv("REPO_URL"), nil
}

// Repos returns all project repository mappings for a workspace.
func (s *Store) Repos(ctx context.Context, workspace string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT project_id, repo_url FROM project_repos WHERE workspace = ?", workspace)
	if err != nil {
		return nil, fmt.Errorf("list repo mappings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var projectID, url string
		if err := rows.Scan(&projectID, &url); err != nil {
			return nil, fmt.Errorf("scan repo mapping: %w", err)
		}
		out[projectID] = url
	}
	return out, rows.Err()
}

// ClearRepos removes every project mapping for a workspace. The admin
// save replaces the whole set.
func (s *Store) ClearRepos(ctx context.Context, workspace string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM project_repos WHERE workspace = ?", workspace)
	if err != nil {
		return fmt.Errorf("clear repo mappings: %w", err)
	}
	return nil
}

// BuildSecrets assembles the credential environment a worker receives.
// The result must never be logged.
func (s *Store) BuildSecrets(ctx context.Context, workspace, projectID string) (map[string]string, error) {
	repoURL, err := s.RepoForProject(ctx, workspace, projectID)
	if err != nil {
		return nil, err
	}

	secrets := map[string]string{"REPO_URL": repoURL}
	for _, key := range []string{"GITHUB_TOKEN", "CLAUDE_CODE_OAUTH_TOKEN", "ANTHROPIC_API_KEY"} {
		value, err := s.Get(ctx, workspace, key)
		if err != nil {
			return nil, err
		}
		secrets[key] = value
	}
	secrets["PLANE_API_URL"] = os.Getenv("PLANE_API_URL")
	secrets["PLANE_API_TOKEN"] = os.Getenv("PLANE_API_TOKEN")
	return secrets, nil
}
