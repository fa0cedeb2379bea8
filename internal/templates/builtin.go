package templates

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"crisp/internal/domain"
)

// writeFiles materializes a path->content map under dir, creating parents.
func writeFiles(dir string, files map[string]string) error {
	for rel, content := range files {
		abs := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Dir(rel), err)
		}
		if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}
	return nil
}

func gitignore(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}

func readme(req domain.ProjectRequirements) string {
	desc := req.Description
	if desc == "" {
		desc = "Scaffolded by Crisp."
	}
	return fmt.Sprintf("# %s\n\n%s\n", req.ProjectName, desc)
}

func dockerfile(base, cmd string) string {
	return fmt.Sprintf("FROM %s\nWORKDIR /app\nCOPY . .\nCMD [%s]\n", base, cmd)
}

// goGenerator scaffolds a minimal Go module.
type goGenerator struct{}

func (g *goGenerator) ID() string      { return "go-basic" }
func (g *goGenerator) Version() string { return "1.0.0" }

func (g *goGenerator) Matches(req domain.ProjectRequirements) bool {
	return strings.EqualFold(req.Language, "go")
}

func (g *goGenerator) files(req domain.ProjectRequirements) map[string]string {
	name := req.ProjectName
	files := map[string]string{
		"README.md":  readme(req),
		".gitignore": gitignore("bin/", "*.test", "*.out"),
		"go.mod":     fmt.Sprintf("module %s\n\ngo 1.23\n", name),
		"main.go":    fmt.Sprintf("package main\n\nimport \"fmt\"\n\nfunc main() {\n\tfmt.Println(%q)\n}\n", name),
	}
	if req.IncludeContainer {
		files["Dockerfile"] = dockerfile("golang:1.23-alpine", `"go", "run", "."`)
	}
	return files
}

func (g *goGenerator) PlanFiles(req domain.ProjectRequirements) []domain.PlannedFile {
	var out []domain.PlannedFile
	for path := range g.files(req) {
		out = append(out, domain.PlannedFile{Path: path, Description: describePath(path)})
	}
	sortPlanned(out)
	return out
}

func (g *goGenerator) Scaffold(ctx context.Context, req domain.ProjectRequirements, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeFiles(dir, g.files(req))
}

// nodeGenerator scaffolds a minimal Node project, optionally with Express.
type nodeGenerator struct{}

func (g *nodeGenerator) ID() string      { return "node-basic" }
func (g *nodeGenerator) Version() string { return "1.0.0" }

func (g *nodeGenerator) Matches(req domain.ProjectRequirements) bool {
	switch strings.ToLower(req.Language) {
	case "node", "nodejs", "javascript", "typescript":
		return true
	}
	return false
}

func (g *nodeGenerator) files(req domain.ProjectRequirements) map[string]string {
	express := strings.EqualFold(req.Framework, "express")
	deps := "{}"
	if express {
		deps = `{"express": "^4.19.0"}`
	}
	files := map[string]string{
		"README.md":  readme(req),
		".gitignore": gitignore("node_modules/", "dist/", ".env"),
		"package.json": fmt.Sprintf(`{
  "name": %q,
  "version": "0.1.0",
  "main": "src/index.js",
  "dependencies": %s
}
`, req.ProjectName, deps),
		"src/index.js": "console.log(" + fmt.Sprintf("%q", req.ProjectName) + ");\n",
	}
	if req.IncludeContainer {
		files["Dockerfile"] = dockerfile("node:20-alpine", `"node", "src/index.js"`)
	}
	return files
}

func (g *nodeGenerator) PlanFiles(req domain.ProjectRequirements) []domain.PlannedFile {
	var out []domain.PlannedFile
	for path := range g.files(req) {
		out = append(out, domain.PlannedFile{Path: path, Description: describePath(path)})
	}
	sortPlanned(out)
	return out
}

func (g *nodeGenerator) Scaffold(ctx context.Context, req domain.ProjectRequirements, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeFiles(dir, g.files(req))
}

func describePath(path string) string {
	switch filepath.Base(path) {
	case "README.md":
		return "Project readme"
	case ".gitignore":
		return "Git ignore rules"
	case "Dockerfile":
		return "Container build file"
	case "go.mod":
		return "Go module definition"
	case "package.json":
		return "Node package manifest"
	default:
		return "Source file"
	}
}

func sortPlanned(files []domain.PlannedFile) {
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
}
