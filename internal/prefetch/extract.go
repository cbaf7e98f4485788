package prefetch

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// ErrUnsafePath is returned for archive entries that would land outside the
// extraction root
var ErrUnsafePath = errors.New("archive entry escapes extraction root")

type extractStats struct {
	entries int
	bytes   int64
}

// extractAtomically extracts the tar.gz stream r into a staging directory next
// to targetDir and moves it into place once the whole stream was consumed.
// On failure targetDir is left untouched. Builders that do not wait for the
// prefetch may create targetDir while the stream is in flight; the staged
// tree is then merged into it, archive entries replacing files at the same
// path.
func extractAtomically(ctx context.Context, r io.Reader, targetDir string) (extractStats, error) {
	parent := filepath.Dir(targetDir)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return extractStats{}, err
	}

	staging, err := os.MkdirTemp(parent, "."+filepath.Base(targetDir)+".prefetch-*")
	if err != nil {
		return extractStats{}, fmt.Errorf("creating staging directory: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(staging)
		}
	}()

	stats, err := extractTarGz(ctx, r, staging)
	if err != nil {
		return stats, err
	}

	if err := os.Chmod(staging, 0755); err != nil {
		return stats, err
	}

	// Fails unless targetDir is missing or empty.
	_ = os.Remove(targetDir)
	if err := os.Rename(staging, targetDir); err == nil {
		committed = true
		return stats, nil
	}
	if err := mergeDir(staging, targetDir); err != nil {
		return stats, fmt.Errorf("moving extracted build into %s: %w", targetDir, err)
	}
	return stats, nil
}

// mergeDir moves the contents of src into dst. Directories present on both
// sides are merged recursively; anything else in dst is replaced.
func mergeDir(src, dst string) error {
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		from := filepath.Join(src, e.Name())
		to := filepath.Join(dst, e.Name())
		if e.IsDir() {
			if info, err := os.Lstat(to); err == nil && info.IsDir() {
				if err := mergeDir(from, to); err != nil {
					return err
				}
				continue
			}
		}
		if err := os.RemoveAll(to); err != nil {
			return err
		}
		if err := os.Rename(from, to); err != nil {
			return err
		}
	}
	return nil
}

// extractTarGz streams a gzip-compressed tar archive into destDir, dropping
// the first path segment of every entry
func extractTarGz(ctx context.Context, r io.Reader, destDir string) (extractStats, error) {
	var stats extractStats

	gzr, err := gzip.NewReader(r)
	if err != nil {
		return stats, fmt.Errorf("opening gzip stream: %w", err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("reading archive: %w", err)
		}

		rel := StripFirstSegment(header.Name)
		if rel == "" {
			continue
		}
		dest, err := safeJoin(destDir, rel)
		if err == nil {
			err = checkParents(destDir, rel)
		}
		if err != nil {
			return stats, fmt.Errorf("%s: %w", header.Name, err)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0755); err != nil {
				return stats, err
			}
		case tar.TypeReg:
			n, err := writeFile(dest, tr, header.FileInfo().Mode().Perm())
			if err != nil {
				return stats, fmt.Errorf("extracting %s: %w", rel, err)
			}
			stats.bytes += n
		case tar.TypeSymlink:
			if err := writeSymlink(destDir, dest, header.Linkname); err != nil {
				return stats, fmt.Errorf("%s: %w", header.Name, err)
			}
		default:
			// pax headers, devices and hard links are not part of a build tree
			continue
		}
		stats.entries++
	}

	return stats, nil
}

// StripFirstSegment removes the archive's synthetic top-level folder from an
// entry name. It returns "" for the top-level folder itself.
func StripFirstSegment(name string) string {
	name = strings.TrimPrefix(name, "./")
	i := strings.IndexByte(name, '/')
	if i < 0 {
		return ""
	}
	rest := strings.Trim(name[i+1:], "/")
	if rest == "" {
		return ""
	}
	return path.Clean(rest)
}

func safeJoin(root, rel string) (string, error) {
	cleaned := path.Clean(rel)
	if path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrUnsafePath
	}
	return filepath.Join(root, filepath.FromSlash(cleaned)), nil
}

// checkParents rejects entries whose parent path runs through a symlink
// already extracted under root; writing there would follow the link.
func checkParents(root, rel string) error {
	dir := path.Dir(rel)
	if dir == "." {
		return nil
	}
	cur := root
	for _, seg := range strings.Split(dir, "/") {
		cur = filepath.Join(cur, seg)
		info, err := os.Lstat(cur)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return ErrUnsafePath
		}
	}
	return nil
}

func writeFile(dest string, r io.Reader, perm os.FileMode) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, err
	}
	if info, err := os.Lstat(dest); err == nil && info.Mode()&os.ModeSymlink != 0 {
		if err := os.Remove(dest); err != nil {
			return 0, err
		}
	}
	if perm == 0 {
		perm = 0644
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func writeSymlink(root, dest, target string) error {
	resolved := target
	if !filepath.IsAbs(target) {
		resolved = filepath.Join(filepath.Dir(dest), target)
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ErrUnsafePath
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	if info, err := os.Lstat(dest); err == nil && !info.IsDir() {
		if err := os.Remove(dest); err != nil {
			return err
		}
	}
	return os.Symlink(target, dest)
}
