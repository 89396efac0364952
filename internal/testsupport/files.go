package testsupport

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteImage writes a fake image file under dir and returns its path. The
// content seeds the bytes so distinct seeds hash differently.
func WriteImage(t testing.TB, dir, name, seed string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	data := append([]byte("\x89PNG\r\n\x1a\n"), []byte(seed)...)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}
