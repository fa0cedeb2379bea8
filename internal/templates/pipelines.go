package templates

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"crisp/internal/domain"
)

// buildSteps returns the ordered build-step labels for a language.
func buildSteps(req domain.ProjectRequirements) []string {
	switch strings.ToLower(req.Language) {
	case "go":
		steps := []string{"Checkout", "Set up Go", "Build"}
		if req.TestingFramework != "" {
			steps = append(steps, "Test")
		}
		if req.Linting != "" {
			steps = append(steps, "Lint")
		}
		return steps
	default:
		steps := []string{"Checkout", "Set up Node", "Install dependencies"}
		if req.TestingFramework != "" {
			steps = append(steps, "Test")
		}
		if req.Linting != "" {
			steps = append(steps, "Lint")
		}
		return steps
	}
}

// githubActionsGenerator emits a GitHub Actions workflow.
type githubActionsGenerator struct{}

func (g *githubActionsGenerator) Platform() string { return domain.PlatformGitHub }
func (g *githubActionsGenerator) Format() string   { return "github-actions" }

func (g *githubActionsGenerator) Generate(req domain.ProjectRequirements) (domain.PipelineDefinition, error) {
	labels := buildSteps(req)
	steps := make([]map[string]any, 0, len(labels))
	for _, label := range labels {
		step := map[string]any{"name": label}
		if label == "Checkout" {
			step["uses"] = "actions/checkout@v4"
		} else {
			step["run"] = runCommand(req, label)
		}
		steps = append(steps, step)
	}
	doc := map[string]any{
		"name": "ci",
		"on":   map[string]any{"push": map[string]any{"branches": []string{"main"}}},
		"jobs": map[string]any{
			"build": map[string]any{
				"runs-on": "ubuntu-latest",
				"steps":   steps,
			},
		},
	}
	content, err := yaml.Marshal(doc)
	if err != nil {
		return domain.PipelineDefinition{}, fmt.Errorf("render workflow: %w", err)
	}
	return domain.PipelineDefinition{
		FileName: "ci.yml",
		FilePath: ".github/workflows/ci.yml",
		Content:  string(content),
		Trigger:  "push to main",
		Steps:    labels,
	}, nil
}

// azurePipelinesGenerator emits an azure-pipelines.yml.
type azurePipelinesGenerator struct{}

func (g *azurePipelinesGenerator) Platform() string { return domain.PlatformAzureDevOps }
func (g *azurePipelinesGenerator) Format() string   { return "azure-pipelines" }

func (g *azurePipelinesGenerator) Generate(req domain.ProjectRequirements) (domain.PipelineDefinition, error) {
	labels := buildSteps(req)
	steps := make([]map[string]any, 0, len(labels))
	for _, label := range labels {
		if label == "Checkout" {
			steps = append(steps, map[string]any{"checkout": "self"})
			continue
		}
		steps = append(steps, map[string]any{
			"script":      runCommand(req, label),
			"displayName": label,
		})
	}
	doc := map[string]any{
		"trigger": []string{"main"},
		"pool":    map[string]any{"vmImage": "ubuntu-latest"},
		"steps":   steps,
	}
	content, err := yaml.Marshal(doc)
	if err != nil {
		return domain.PipelineDefinition{}, fmt.Errorf("render pipeline: %w", err)
	}
	return domain.PipelineDefinition{
		FileName: "azure-pipelines.yml",
		FilePath: "azure-pipelines.yml",
		Content:  string(content),
		Trigger:  "push to main",
		Steps:    labels,
	}, nil
}

func runCommand(req domain.ProjectRequirements, label string) string {
	goProject := strings.EqualFold(req.Language, "go")
	switch label {
	case "Set up Go":
		return "go version"
	case "Set up Node", "Install dependencies":
		return "npm install"
	case "Build":
		if goProject {
			return "go build ./..."
		}
		return "npm run build --if-present"
	case "Test":
		if goProject {
			return "go test ./..."
		}
		return "npm test"
	case "Lint":
		if goProject {
			return "go vet ./..."
		}
		return "npm run lint --if-present"
	default:
		return "true"
	}
}
