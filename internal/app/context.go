package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"scrumbringer/internal/config"
	"scrumbringer/internal/domain"
	"scrumbringer/internal/repo"
)

// ResolveProject picks the active project and ensures a project + config
// exist in DB, seeding defaults if missing. It prefers the override, then
// the single-project DB.
func ResolveProject(ctx context.Context, projectOverride int64, username string, r repo.Repo) (domain.Project, *config.Config, error) {
	var p domain.Project
	if projectOverride != 0 {
		var err error
		p, err = r.GetProject(ctx, projectOverride)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Project{}, nil, fmt.Errorf("project %d not found; run `sb init` first", projectOverride)
			}
			return domain.Project{}, nil, err
		}
	} else {
		var err error
		p, err = r.SingleProject(ctx)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Project{}, nil, fmt.Errorf("no project found; run `sb init` or pass --project")
			}
			return domain.Project{}, nil, err
		}
	}
	cfg, err := r.GetProjectConfig(ctx, p.ID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.Project{}, nil, err
		}
		cfg = config.Default()
		if err := r.UpsertProjectConfig(ctx, p.ID, cfg); err != nil {
			return domain.Project{}, nil, fmt.Errorf("seed project config: %w", err)
		}
	}
	return p, cfg, nil
}

// ResolveUser ensures the acting user exists in the project's org and
// returns its id. An empty username falls back to "local-user".
func ResolveUser(ctx context.Context, r repo.Repo, orgID int64, username string) (int64, error) {
	if username == "" {
		username = "local-user"
	}
	now := time.Now().UTC().Format(time.RFC3339)
	id, err := r.EnsureUser(ctx, orgID, username, now)
	if err != nil {
		return 0, fmt.Errorf("ensure user %q: %w", username, err)
	}
	return id, nil
}
