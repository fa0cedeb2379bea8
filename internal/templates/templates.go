// Package templates holds the generator registries the orchestrator selects
// from. Generators expose a capability predicate; the first registered
// generator whose predicate matches wins, so registration order is part of
// the contract.
package templates

import (
	"context"
	"strings"

	"crisp/internal/domain"
)

// Generator scaffolds one project flavor.
type Generator interface {
	// ID identifies the generator, e.g. "go-basic".
	ID() string
	Version() string
	// Matches reports whether this generator can serve the requirements.
	Matches(req domain.ProjectRequirements) bool
	// PlanFiles previews the paths Scaffold would materialize.
	PlanFiles(req domain.ProjectRequirements) []domain.PlannedFile
	// Scaffold writes the project into dir.
	Scaffold(ctx context.Context, req domain.ProjectRequirements, dir string) error
}

// PipelineGenerator emits a CI pipeline definition for one platform.
type PipelineGenerator interface {
	Platform() string
	// Format is the pipeline flavor, e.g. "github-actions". Empty means the
	// platform default.
	Format() string
	Generate(req domain.ProjectRequirements) (domain.PipelineDefinition, error)
}

// Registry is an ordered collection of generators.
type Registry struct {
	generators []Generator
	pipelines  []PipelineGenerator
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Defaults returns a registry with the builtin generators in their canonical
// order.
func Defaults() *Registry {
	r := NewRegistry()
	r.Register(&goGenerator{})
	r.Register(&nodeGenerator{})
	r.RegisterPipeline(&githubActionsGenerator{})
	r.RegisterPipeline(&azurePipelinesGenerator{})
	return r
}

func (r *Registry) Register(g Generator) {
	r.generators = append(r.generators, g)
}

func (r *Registry) RegisterPipeline(g PipelineGenerator) {
	r.pipelines = append(r.pipelines, g)
}

// Find returns the first generator matching the requirements, or false.
func (r *Registry) Find(req domain.ProjectRequirements) (Generator, bool) {
	for _, g := range r.generators {
		if g.Matches(req) {
			return g, true
		}
	}
	return nil, false
}

// FindPipeline returns the first pipeline generator for the platform. When
// format is non-empty it must match exactly; otherwise the first generator
// registered for the platform is the default.
func (r *Registry) FindPipeline(platform, format string) (PipelineGenerator, bool) {
	for _, g := range r.pipelines {
		if g.Platform() != platform {
			continue
		}
		if format != "" && !strings.EqualFold(g.Format(), format) {
			continue
		}
		return g, true
	}
	return nil, false
}
