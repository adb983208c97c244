// Package artifact knows the on-disk layout of OSRM routing data: which files
// a build must produce, how to verify them and how to move them into an
// instance's data directory.
package artifact

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/qiniu/routeops/internal/osrm/model"
)

// FingerprintEntry is the tar member every OSRM 5.x container file starts with.
const FingerprintEntry = "osrm_fingerprint.meta"

var commonSuffixes = []string{
	".osrm.ebg_nodes",
	".osrm.fileIndex",
	".osrm.geometry",
	".osrm.names",
	".osrm.properties",
	".osrm.ramIndex",
	".osrm.timestamp",
}

var algorithmSuffixes = map[model.Algorithm][]string{
	model.AlgorithmCH:  {".osrm.hsgr"},
	model.AlgorithmMLD: {".osrm.partition", ".osrm.cells", ".osrm.mldgr", ".osrm.cell_metrics"},
}

var fingerprintSuffix = map[model.Algorithm]string{
	model.AlgorithmCH:  ".osrm.hsgr",
	model.AlgorithmMLD: ".osrm.mldgr",
}

// RequiredFiles lists the files a served dataset needs, relative to dir.
func RequiredFiles(dir string, alg model.Algorithm) []string {
	suffixes := append(append([]string(nil), commonSuffixes...), algorithmSuffixes[alg]...)
	out := make([]string, len(suffixes))
	for i, s := range suffixes {
		out[i] = filepath.Join(dir, model.ArtifactBase+s)
	}
	return out
}

// Check reports the required files under dir that are missing or empty.
func Check(dir string, alg model.Algorithm) []string {
	var missing []string
	for _, path := range RequiredFiles(dir, alg) {
		info, err := os.Stat(path)
		if err != nil || info.Size() == 0 {
			missing = append(missing, filepath.Base(path))
		}
	}
	return missing
}

// Present returns model.ErrMissingArtifact when the dataset under dir is incomplete.
func Present(dir string, alg model.Algorithm) error {
	if missing := Check(dir, alg); len(missing) > 0 {
		return fmt.Errorf("%w: %s: %s", model.ErrMissingArtifact, dir, strings.Join(missing, ", "))
	}
	return nil
}

// Validate checks presence of all files and the fingerprint of the graph file.
func Validate(dir string, alg model.Algorithm) error {
	if err := Present(dir, alg); err != nil {
		return err
	}
	graph := filepath.Join(dir, model.ArtifactBase+fingerprintSuffix[alg])
	if err := checkFingerprint(graph); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(graph), err)
	}
	return nil
}

func checkFingerprint(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("no %s entry", FingerprintEntry)
		}
		if err != nil {
			return fmt.Errorf("not a valid OSRM container: %w", err)
		}
		if hdr.Name == FingerprintEntry {
			if hdr.Size == 0 {
				return fmt.Errorf("empty %s entry", FingerprintEntry)
			}
			return nil
		}
	}
}

// Promote places every map.osrm* file from srcDir into dstDir, replacing
// existing files atomically one by one. Files are hard linked when possible.
func Promote(srcDir, dstDir string) error {
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir %s: %w", dstDir, err)
	}
	files, err := filepath.Glob(filepath.Join(srcDir, model.ArtifactBase+".osrm*"))
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("%w: no %s.osrm files in %s", model.ErrMissingArtifact, model.ArtifactBase, srcDir)
	}
	for _, src := range files {
		dst := filepath.Join(dstDir, filepath.Base(src))
		tmp := dst + ".promote"
		_ = os.Remove(tmp)
		if err := LinkOrCopy(src, tmp); err != nil {
			return fmt.Errorf("failed to stage %s: %w", filepath.Base(src), err)
		}
		if err := os.Rename(tmp, dst); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("failed to install %s: %w", filepath.Base(src), err)
		}
	}
	return nil
}

// Discard removes the served dataset from dir.
func Discard(dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, model.ArtifactBase+".osrm*"))
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", f, err)
		}
	}
	return nil
}

// LinkOrCopy hard links src to dst, copying when linking is not possible.
func LinkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
