package smoke

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// Game traffic goes through the gateway dispatcher; no bundled API client
// library or GUI toolkit belongs in the dependency graph.
func TestSmoke_NoOutOfScopeDependencies(t *testing.T) {
	root := moduleRoot(t)
	banned := []string{
		"github.com/charmbracelet/bubbletea",
		"fyne.io/",
		"github.com/spacetraders",
	}

	b, err := os.ReadFile(filepath.Join(root, "go.mod"))
	if err != nil {
		t.Fatalf("read go.mod: %v", err)
	}
	for _, s := range banned {
		if strings.Contains(strings.ToLower(string(b)), s) {
			t.Fatalf("found banned dependency %q in go.mod", s)
		}
	}

	if testing.Short() {
		return
	}
	cmd := exec.Command("go", "list", "-deps", "-f", "{{.ImportPath}}", "./...")
	cmd.Dir = root
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		t.Fatalf("go list -deps failed: %v\n%s", err, buf.String())
	}
	for _, s := range banned {
		if strings.Contains(strings.ToLower(buf.String()), s) {
			t.Fatalf("found banned import path %q in dependency graph", s)
		}
	}
}
