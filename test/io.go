package test

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteTemp writes the provided contents to a file named name inside a
// per-test temporary directory and returns its path. The file is created
// with the given permissions. If there is an error, `t.Fatalf` is called to
// end the test.
func WriteTemp(t *testing.T, contents, name string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), perm); err != nil {
		t.Fatalf("Unable to write tempfile contents: %s", err.Error())
	}
	// WriteFile's permissions are subject to the umask
	if err := os.Chmod(path, perm); err != nil {
		t.Fatalf("Unable to chmod tempfile: %s", err.Error())
	}
	return path
}
