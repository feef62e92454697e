package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return e
}

func TestStageAccessProfiles(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		profile string
		stage   string
		allowed bool
	}{
		{"ci into preview", "ci", "preview-42", true},
		{"ci into production", "ci", "production", false},
		{"ci into arbitrary stage", "ci", "staging", false},
		{"production into production", "production", "production", true},
		{"production into preview", "production", "preview-42", false},
		{"dev unrestricted", "dev", "anything-goes", true},
		{"empty profile unrestricted", "", "staging", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := e.CheckStageAccess(ctx, tt.profile, tt.stage)
			if err != nil {
				t.Fatalf("evaluation failed: %v", err)
			}
			if result.Allowed != tt.allowed {
				t.Errorf("profile %q stage %q: allowed=%v, want %v (violations: %v)",
					tt.profile, tt.stage, result.Allowed, tt.allowed, result.Violations)
			}
		})
	}
}

func TestStageAccessDenialHasMessage(t *testing.T) {
	e := newTestEngine(t)

	result, err := e.CheckStageAccess(context.Background(), "ci", "production")
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("expected denial")
	}
	if len(result.Violations) == 0 {
		t.Fatal("expected at least one violation")
	}
	if result.Violations[0].Message == "" {
		t.Error("expected a human-readable denial message")
	}
}

func TestScopeNamingPolicy(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	result, err := e.Evaluate(ctx, &Input{Stage: "Bad_Name"})
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if result.Allowed {
		t.Error("expected naming violation for Bad_Name")
	}

	result, err = e.Evaluate(ctx, &Input{Stage: "good-name-1"})
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("expected good-name-1 to pass: %v", result.Violations)
	}
}

func TestDisablePolicy(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.SetEnabled("stage-access", false); err != nil {
		t.Fatalf("disable failed: %v", err)
	}

	result, err := e.CheckStageAccess(ctx, "ci", "production")
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if !result.Allowed {
		t.Error("disabled policy must not produce violations")
	}

	if err := e.SetEnabled("missing", true); err == nil {
		t.Error("expected error toggling an unknown policy")
	}
}

func TestLoadCustomPolicy(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	dir := t.TempDir()
	custom := `package scopekeeper.policies.custom

import rego.v1

deny contains violation if {
	input.stage == "forbidden"
	violation := {
		"message": "stage forbidden is blocked",
		"severity": "error",
	}
}
`
	if err := os.WriteFile(filepath.Join(dir, "block-forbidden.rego"), []byte(custom), 0644); err != nil {
		t.Fatalf("failed to write policy file: %v", err)
	}

	if err := e.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("loadPolicies failed: %v", err)
	}

	if _, err := e.GetPolicy("block-forbidden"); err != nil {
		t.Fatalf("expected custom policy to be registered: %v", err)
	}

	result, err := e.Evaluate(ctx, &Input{Profile: "dev", Stage: "forbidden"})
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if result.Allowed {
		t.Error("expected custom policy to deny stage forbidden")
	}
}

func TestListPolicies(t *testing.T) {
	e := newTestEngine(t)

	policies := e.ListPolicies()
	if len(policies) != len(BuiltinPolicies()) {
		t.Errorf("expected %d builtin policies, got %d", len(BuiltinPolicies()), len(policies))
	}
}
