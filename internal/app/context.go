package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelodev/scrumbringer/internal/domain"
	"github.com/modelodev/scrumbringer/internal/repo"
)

// ResolveProject picks the active project for a CLI invocation. It prefers
// the explicit override, then the workspace's single project. When the
// override names a project that does not exist yet it is created on the
// fly under a default org, so a fresh workspace needs no setup ceremony.
func ResolveProject(ctx context.Context, projectOverride string, r repo.Repo) (string, error) {
	projectID := projectOverride
	if projectID == "" {
		p, err := r.SingleProject(ctx)
		if err != nil {
			return "", fmt.Errorf("project not specified; use --project")
		}
		projectID = p.ID
	}
	if _, err := r.GetProject(ctx, projectID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", err
		}
		if err := createProject(ctx, r, projectID); err != nil {
			return "", err
		}
	}
	return projectID, nil
}

// createProject inserts a minimal org/project footprint.
func createProject(ctx context.Context, r repo.Repo, projectID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	orgID := "default-org"
	if _, err := r.GetOrg(ctx, orgID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err := r.InsertOrg(ctx, domain.Org{ID: orgID, Name: "Default Org", CreatedAt: now}); err != nil {
			return fmt.Errorf("ensure org: %w", err)
		}
	}
	p := domain.Project{
		ID:        projectID,
		OrgID:     orgID,
		Name:      projectID,
		Status:    "active",
		CreatedAt: now,
	}
	if err := r.InsertProject(ctx, p); err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}
