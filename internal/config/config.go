package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config models crisp.yml.
type Config struct {
	Server struct {
		Port                   string `yaml:"port"`
		BasePath               string `yaml:"base_path"`
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyOwnerHeader bool   `yaml:"allow_legacy_owner_header"`
	} `yaml:"server"`
	Platform string `yaml:"platform"`
	GitHub   struct {
		Owner      string `yaml:"owner"`
		Token      string `yaml:"token"`
		APIBaseURL string `yaml:"api_base_url"`
	} `yaml:"github"`
	AzureDevOps struct {
		Organization string `yaml:"organization"`
		Token        string `yaml:"token"`
		BaseURL      string `yaml:"base_url"`
	} `yaml:"azure_devops"`
	Git struct {
		AuthorName    string `yaml:"author_name"`
		AuthorEmail   string `yaml:"author_email"`
		DefaultBranch string `yaml:"default_branch"`
	} `yaml:"git"`
	Pipelines struct {
		Enabled bool   `yaml:"enabled"`
		Format  string `yaml:"format"`
	} `yaml:"pipelines"`
	Policies []PolicyRule `yaml:"policies"`
}

// PolicyRule is one configured advisory rule evaluated by the policy engine.
type PolicyRule struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Type     string   `yaml:"type"`
	Severity string   `yaml:"severity"`
	Value    int      `yaml:"value,omitempty"`
	Allowed  []string `yaml:"allowed,omitempty"`
}

// Rule types understood by the built-in policy engine.
const (
	RuleMaxNameLength      = "max-name-length"
	RuleRequireDescription = "require-description"
	RuleVisibilityAllowed  = "visibility-allowed"
	RuleLanguageAllowed    = "language-allowed"
)

// Default returns a usable baseline configuration.
func Default() *Config {
	c := &Config{}
	c.Server.Port = "8080"
	c.Server.BasePath = "/v1"
	c.Platform = "github"
	c.Git.AuthorName = "Crisp Agent"
	c.Git.AuthorEmail = "agent@crisp.local"
	c.Git.DefaultBranch = "main"
	c.Pipelines.Enabled = true
	c.Policies = []PolicyRule{
		{ID: "name-length", Name: "Project name length", Type: RuleMaxNameLength, Severity: "warning", Value: 64},
		{ID: "description", Name: "Description present", Type: RuleRequireDescription, Severity: "info"},
		{ID: "visibility", Name: "Visibility allowed", Type: RuleVisibilityAllowed, Severity: "error", Allowed: []string{"private", "public"}},
	}
	return c
}

// Load reads config from path, falling back to defaults when the file is
// absent. Platform tokens may also arrive via environment variables so they
// never have to live on disk.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if v := os.Getenv("CRISP_GITHUB_TOKEN"); v != "" {
		cfg.GitHub.Token = v
	}
	if v := os.Getenv("CRISP_AZURE_DEVOPS_TOKEN"); v != "" {
		cfg.AzureDevOps.Token = v
	}
	if v := os.Getenv("CRISP_JWT_SECRET"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromYAML parses and validates raw config bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Platform {
	case "github", "azure-devops":
	default:
		return fmt.Errorf("config.platform must be github or azure-devops, got %q", c.Platform)
	}
	if c.Git.DefaultBranch == "" {
		return fmt.Errorf("config.git.default_branch is required")
	}
	for i, rule := range c.Policies {
		if rule.ID == "" {
			return fmt.Errorf("config.policies[%d] missing id", i)
		}
		switch rule.Type {
		case RuleMaxNameLength:
			if rule.Value <= 0 {
				return fmt.Errorf("policy %s requires a positive value", rule.ID)
			}
		case RuleRequireDescription:
		case RuleVisibilityAllowed, RuleLanguageAllowed:
			if len(rule.Allowed) == 0 {
				return fmt.Errorf("policy %s requires an allowed list", rule.ID)
			}
		default:
			return fmt.Errorf("policy %s has unknown type %q", rule.ID, rule.Type)
		}
		switch rule.Severity {
		case "", "info", "warning", "error":
		default:
			return fmt.Errorf("policy %s has unknown severity %q", rule.ID, rule.Severity)
		}
	}
	return nil
}
