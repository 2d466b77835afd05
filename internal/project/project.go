// Package project handles the optional project isolation: resolving the
// scope name from the config, creating the project before any instance
// work, and deleting it once it is empty again.
package project

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/incantvm/incant/internal/config"
	"github.com/incantvm/incant/internal/incus"
)

// Scope identifies the project all instances of one configuration live
// in. The zero value is the default (global) scope.
type Scope struct {
	Name     string
	Isolated bool
}

var illegalChars = regexp.MustCompile(`[^a-z0-9-]`)

// SanitizeName turns an arbitrary directory name into a backend-legal
// project name: lowercase, everything else becomes a hyphen.
func SanitizeName(name string) string {
	return strings.Trim(illegalChars.ReplaceAllString(strings.ToLower(name), "-"), "-")
}

// Resolve determines the scope for a configuration. With isolation
// enabled and no explicit name, the name derives from the directory
// containing the config file.
func Resolve(cfg *config.Config) (Scope, error) {
	if !cfg.Project.Enabled {
		return Scope{}, nil
	}
	name := cfg.Project.Name
	if name == "" {
		name = filepath.Base(cfg.Dir)
	}
	name = SanitizeName(name)
	if name == "" {
		return Scope{}, &config.ValidationError{
			Problems: []string{fmt.Sprintf("cannot derive a valid project name from %q", filepath.Base(cfg.Dir))},
		}
	}
	if name == "default" {
		return Scope{}, &config.ValidationError{
			Problems: []string{"project isolation cannot target the default project"},
		}
	}
	return Scope{Name: name, Isolated: true}, nil
}

// Ensure creates the scope's project if it does not exist yet and copies
// the default profile into it. Safe to call when the project already
// exists.
func Ensure(ctx context.Context, c incus.Client, scope Scope, log zerolog.Logger) error {
	if !scope.Isolated {
		return nil
	}
	projects, err := c.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("listing projects: %w", err)
	}
	for _, p := range projects {
		if p == scope.Name {
			log.Debug().Str("project", scope.Name).Msg("project already exists")
			return nil
		}
	}

	log.Info().Str("project", scope.Name).Msg("creating project")
	// features.images=false keeps the default project's images visible.
	err = c.CreateProject(ctx, scope.Name, map[string]string{"features.images": "false"})
	if err != nil {
		return fmt.Errorf("creating project %s: %w", scope.Name, err)
	}
	if err := c.CopyProfile(ctx, scope.Name); err != nil {
		return fmt.Errorf("copying default profile to project %s: %w", scope.Name, err)
	}
	return nil
}

// CleanupIfEmpty deletes the scope's project when no instances remain in
// it. Returns whether the project was deleted. Never touches the default
// scope.
func CleanupIfEmpty(ctx context.Context, c incus.Client, scope Scope, log zerolog.Logger) (bool, error) {
	if !scope.Isolated {
		return false, nil
	}
	instances, err := c.List(ctx)
	if err != nil {
		return false, fmt.Errorf("listing instances in project %s: %w", scope.Name, err)
	}
	if len(instances) > 0 {
		log.Debug().Str("project", scope.Name).Int("instances", len(instances)).
			Msg("project not empty, keeping it")
		return false, nil
	}
	log.Info().Str("project", scope.Name).Msg("deleting empty project")
	if err := c.DeleteProject(ctx, scope.Name); err != nil {
		return false, fmt.Errorf("deleting project %s: %w", scope.Name, err)
	}
	return true, nil
}
