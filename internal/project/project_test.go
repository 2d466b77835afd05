package project

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/incantvm/incant/internal/config"
	"github.com/incantvm/incant/internal/incus"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"my-project", "my-project"},
		{"My Project", "my-project"},
		{"demo_2024", "demo-2024"},
		{"--trimmed--", "trimmed"},
		{"...", ""},
		{"Été", "t"}, // non-ascii collapses to hyphens, then trims
	}
	for _, tt := range tests {
		if got := SanitizeName(tt.in); got != tt.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolve(t *testing.T) {
	cfg := &config.Config{Dir: "/home/user/My Lab"}
	scope, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if scope.Isolated {
		t.Error("isolation disabled should yield the default scope")
	}

	cfg.Project.Enabled = true
	scope, err = Resolve(cfg)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !scope.Isolated || scope.Name != "my-lab" {
		t.Errorf("expected isolated scope my-lab, got %+v", scope)
	}
}

func TestResolve_ExplicitName(t *testing.T) {
	cfg := &config.Config{Dir: "/tmp/x"}
	cfg.Project.Enabled = true
	cfg.Project.Name = "Named Project"

	scope, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if scope.Name != "named-project" {
		t.Errorf("expected named-project, got %s", scope.Name)
	}
}

func TestResolve_Unusable(t *testing.T) {
	cfg := &config.Config{Dir: "/tmp/..."}
	cfg.Project.Enabled = true
	if _, err := Resolve(cfg); err == nil {
		t.Error("expected error for unsanitizable directory name")
	}

	cfg.Project.Name = "default"
	if _, err := Resolve(cfg); err == nil {
		t.Error("expected error for the default project")
	}
}

func TestEnsure_Idempotent(t *testing.T) {
	mock := incus.NewMockClient()
	ctx := context.Background()
	scope := Scope{Name: "demo", Isolated: true}

	if err := Ensure(ctx, mock, scope, zerolog.Nop()); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	if err := Ensure(ctx, mock, scope, zerolog.Nop()); err != nil {
		t.Fatalf("second Ensure failed: %v", err)
	}

	if got := mock.CallCount("project-create"); got != 1 {
		t.Errorf("expected exactly 1 project create, got %d", got)
	}
	if got := mock.CallCount("profile-copy"); got != 1 {
		t.Errorf("expected exactly 1 profile copy, got %d", got)
	}
	if cfg := mock.Projects["demo"]; cfg["features.images"] != "false" {
		t.Errorf("project should share images with the default project: %v", cfg)
	}
}

func TestEnsure_DefaultScope(t *testing.T) {
	mock := incus.NewMockClient()
	if err := Ensure(context.Background(), mock, Scope{}, zerolog.Nop()); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	if len(mock.Calls) != 0 {
		t.Errorf("default scope must not touch the backend: %v", mock.Calls)
	}
}

func TestCleanupIfEmpty(t *testing.T) {
	mock := incus.NewMockClient()
	ctx := context.Background()
	scope := Scope{Name: "demo", Isolated: true}

	mock.CreateProject(ctx, "demo", nil)
	mock.Launch(ctx, incus.LaunchOptions{Name: "web", Image: "img"})

	deleted, err := CleanupIfEmpty(ctx, mock, scope, zerolog.Nop())
	if err != nil {
		t.Fatalf("CleanupIfEmpty failed: %v", err)
	}
	if deleted {
		t.Error("must never delete a project with instances")
	}

	mock.DeleteInstance(ctx, "web")
	deleted, err = CleanupIfEmpty(ctx, mock, scope, zerolog.Nop())
	if err != nil {
		t.Fatalf("CleanupIfEmpty failed: %v", err)
	}
	if !deleted {
		t.Error("empty project should be deleted")
	}
	if got := mock.CallCount("project-delete"); got != 1 {
		t.Errorf("expected exactly 1 project delete, got %d", got)
	}
}

func TestCleanupIfEmpty_DefaultScope(t *testing.T) {
	mock := incus.NewMockClient()
	deleted, err := CleanupIfEmpty(context.Background(), mock, Scope{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("CleanupIfEmpty failed: %v", err)
	}
	if deleted || mock.CallCount("project-delete") != 0 {
		t.Error("default scope must never be deleted")
	}
}
