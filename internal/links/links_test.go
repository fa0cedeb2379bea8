package links_test

import (
	"testing"

	"crisp/internal/links"
)

func TestVSCodeWeb(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"github", "https://github.com/acme/widget", "https://vscode.dev/github/acme/widget"},
		{"github with .git", "https://github.com/acme/widget.git", "https://vscode.dev/github/acme/widget"},
		{"azure dev.azure.com", "https://dev.azure.com/org/widget/_git/widget", "https://dev.azure.com/org/widget/_git/widget?path=/&_a=contents"},
		{"azure visualstudio.com", "https://org.visualstudio.com/widget/_git/widget", "https://org.visualstudio.com/widget/_git/widget?path=/&_a=contents"},
		{"unknown host unchanged", "https://gitlab.example.com/acme/widget", "https://gitlab.example.com/acme/widget"},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := links.VSCodeWeb(tc.in); got != tc.want {
				t.Fatalf("VSCodeWeb(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestVSCodeDesktop(t *testing.T) {
	got := links.VSCodeDesktop("https://github.com/acme/widget.git")
	want := "vscode://vscode.git/clone?url=https%3A%2F%2Fgithub.com%2Facme%2Fwidget.git"
	if got != want {
		t.Fatalf("VSCodeDesktop = %q, want %q", got, want)
	}
}

func TestVSCodeDesktopEscapesQuery(t *testing.T) {
	got := links.VSCodeDesktop("https://dev.azure.com/org/proj/_git/proj")
	want := "vscode://vscode.git/clone?url=https%3A%2F%2Fdev.azure.com%2Forg%2Fproj%2F_git%2Fproj"
	if got != want {
		t.Fatalf("VSCodeDesktop = %q, want %q", got, want)
	}
}
