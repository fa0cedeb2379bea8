package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"crisp/internal/config"
)

func TestDefaultValidates(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Platform != "github" || cfg.Git.DefaultBranch != "main" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "8080" {
		t.Fatalf("port = %q", cfg.Server.Port)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crisp.yml")
	data := `
platform: azure-devops
azure_devops:
  organization: acme-org
git:
  default_branch: trunk
pipelines:
  enabled: false
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Platform != "azure-devops" || cfg.AzureDevOps.Organization != "acme-org" {
		t.Fatalf("file overrides lost: %+v", cfg)
	}
	if cfg.Git.DefaultBranch != "trunk" {
		t.Fatalf("default branch = %q", cfg.Git.DefaultBranch)
	}
	if cfg.Pipelines.Enabled {
		t.Fatal("pipelines should be disabled")
	}
}

func TestTokensFromEnvironment(t *testing.T) {
	t.Setenv("CRISP_GITHUB_TOKEN", "env-token")
	t.Setenv("CRISP_JWT_SECRET", "env-secret")
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.GitHub.Token != "env-token" {
		t.Fatalf("github token = %q", cfg.GitHub.Token)
	}
	if cfg.Server.JWTSecret != "env-secret" {
		t.Fatalf("jwt secret = %q", cfg.Server.JWTSecret)
	}
}

func TestValidateRejectsBadPlatform(t *testing.T) {
	cfg := config.Default()
	cfg.Platform = "gitlab"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "platform") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidateRejectsBadPolicies(t *testing.T) {
	cases := []struct {
		name string
		rule config.PolicyRule
	}{
		{"missing id", config.PolicyRule{Type: config.RuleRequireDescription}},
		{"zero value", config.PolicyRule{ID: "x", Type: config.RuleMaxNameLength}},
		{"empty allowed", config.PolicyRule{ID: "x", Type: config.RuleVisibilityAllowed}},
		{"unknown type", config.PolicyRule{ID: "x", Type: "nope"}},
		{"bad severity", config.PolicyRule{ID: "x", Type: config.RuleRequireDescription, Severity: "fatal"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Policies = []config.PolicyRule{tc.rule}
			if err := cfg.Validate(); err == nil {
				t.Fatalf("rule %+v accepted", tc.rule)
			}
		})
	}
}

func TestFromYAMLRejectsGarbage(t *testing.T) {
	if _, err := config.FromYAML([]byte("platform: [")); err == nil {
		t.Fatal("expected parse error")
	}
}
