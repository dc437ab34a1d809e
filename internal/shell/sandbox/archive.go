package sandbox

import (
	"archive/tar"
	"bytes"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/Jackwwg83/coderunner2-sub002/internal/core/domain"
)

// tarFiles packs files into an archive rooted at the sandbox work directory.
// Parent directories are emitted before their contents and every entry carries
// the same fixed timestamp so identical inputs produce identical archives.
func tarFiles(files []domain.FileEntry) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	epoch := time.Unix(0, 0).UTC()

	dirs := make(map[string]struct{})
	for _, f := range files {
		p, err := domain.CleanPath(f.Path)
		if err != nil {
			return nil, err
		}
		for dir := path.Dir(p); dir != "."; dir = path.Dir(dir) {
			dirs[dir] = struct{}{}
		}
	}

	sorted := make([]string, 0, len(dirs))
	for d := range dirs {
		sorted = append(sorted, d)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if di, dj := strings.Count(sorted[i], "/"), strings.Count(sorted[j], "/"); di != dj {
			return di < dj
		}
		return sorted[i] < sorted[j]
	})

	for _, d := range sorted {
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeDir,
			Name:     d + "/",
			Mode:     0o755,
			ModTime:  epoch,
		}); err != nil {
			return nil, err
		}
	}

	for _, f := range files {
		p, _ := domain.CleanPath(f.Path)
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     p,
			Mode:     0o644,
			Size:     int64(len(f.Content)),
			ModTime:  epoch,
		}); err != nil {
			return nil, err
		}
		if _, err := tw.Write([]byte(f.Content)); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
