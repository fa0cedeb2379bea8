// Package links derives editor entry-point URLs from repository URLs.
package links

import (
	"net/url"
	"strings"
)

// VSCodeWeb returns the browser-based VS Code link for a repository URL.
// GitHub-style URLs are rewritten onto vscode.dev; on-prem Azure DevOps URLs
// get the contents-view query appended; anything else passes through
// unchanged.
func VSCodeWeb(repoURL string) string {
	if repoURL == "" {
		return ""
	}
	u, err := url.Parse(repoURL)
	if err != nil {
		return repoURL
	}
	switch {
	case strings.EqualFold(u.Host, "github.com"):
		path := strings.TrimSuffix(strings.Trim(u.Path, "/"), ".git")
		parts := strings.SplitN(path, "/", 2)
		if len(parts) != 2 {
			return repoURL
		}
		return "https://vscode.dev/github/" + parts[0] + "/" + parts[1]
	case strings.Contains(u.Host, "dev.azure.com") || strings.Contains(u.Host, "visualstudio.com") || strings.Contains(u.Path, "/_git/"):
		return repoURL + "?path=/&_a=contents"
	default:
		return repoURL
	}
}

// VSCodeDesktop returns the vscode:// clone link for a clone URL.
func VSCodeDesktop(cloneURL string) string {
	if cloneURL == "" {
		return ""
	}
	return "vscode://vscode.git/clone?url=" + url.QueryEscape(cloneURL)
}
