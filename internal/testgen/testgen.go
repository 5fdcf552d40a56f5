// Package testgen generates KOReader statistics databases with configurable
// contents for testing the import paths.
package testgen

import (
	"os"
	"testing"
)

// ReadFile reads and returns the contents of a file.
func ReadFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read file %s: %v", path, err)
	}
	return data
}

// EmptyDir reports whether dir has no entries left in it.
func EmptyDir(t *testing.T, dir string) bool {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read dir %s: %v", dir, err)
	}
	return len(entries) == 0
}
