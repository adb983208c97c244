// Package artifacttest writes minimal OSRM datasets for tests.
package artifacttest

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/qiniu/routeops/internal/osrm/artifact"
	"github.com/qiniu/routeops/internal/osrm/model"
)

// WriteDataset creates every required file for alg under dir. Graph files
// are tar containers holding a fingerprint entry.
func WriteDataset(t testing.TB, dir string, alg model.Algorithm) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	for _, path := range artifact.RequiredFiles(dir, alg) {
		if err := os.WriteFile(path, Container(t), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
}

// Container returns a tar archive with a fingerprint entry.
func Container(t testing.TB) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	meta := []byte("OSRN\x05\x1b\x01\x00")
	if err := tw.WriteHeader(&tar.Header{Name: artifact.FingerprintEntry, Mode: 0o644, Size: int64(len(meta))}); err != nil {
		t.Fatalf("tar header: %v", err)
	}
	if _, err := tw.Write(meta); err != nil {
		t.Fatalf("tar write: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	return buf.Bytes()
}

// Path returns dir/map.osrm<suffix>.
func Path(dir, suffix string) string {
	return filepath.Join(dir, model.ArtifactBase+".osrm"+suffix)
}
