package buffer

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/natefinch/atomic"

	"github.com/concourse-go/concourse/pkg/pagefile"
)

const (
	sealedExt  = ".bf"
	currentName = "current.bf"
)

// openPage is the live, writable tail page: a single writer appends to
// it under the Buffer's lock until it crosses PageSizeBytes, at which
// point it is sealed.
type openPage struct {
	writer      *pagefile.Writer
	firstVersion uint64
}

// sealedPage is an immutable, fsynced page file awaiting transfer.
type sealedPage struct {
	path         string
	firstVersion uint64
}

func currentPagePath(dir string) string {
	return filepath.Join(dir, currentName)
}

func sealedPagePath(dir string, firstVersion uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%d%s", firstVersion, sealedExt))
}

// sealLocked fsyncs and renames the current page to its sealed name,
// then opens a fresh current page starting at nextVersion. Caller must
// hold b.mu.
func (b *Buffer) sealLocked(nextVersion uint64) error {
	if err := b.current.writer.Sync(); err != nil {
		return err
	}
	if err := b.current.writer.Close(); err != nil {
		return err
	}

	sealedPath := sealedPagePath(b.dir, b.current.firstVersion)
	if err := atomic.ReplaceFile(currentPagePath(b.dir), sealedPath); err != nil {
		return err
	}
	b.sealed = append(b.sealed, &sealedPage{path: sealedPath, firstVersion: b.current.firstVersion})

	w, err := pagefile.NewWriter(currentPagePath(b.dir), b.cfg.PagefileOptions)
	if err != nil {
		return err
	}
	b.current = &openPage{writer: w, firstVersion: nextVersion}
	return nil
}

// listSealedPageFiles returns every sealed page file in dir, sorted by
// first version ascending — the order the recovery scan requires.
func listSealedPageFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || e.Name() == currentName {
			continue
		}
		if !strings.HasSuffix(e.Name(), sealedExt) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}

	sort.Slice(paths, func(i, j int) bool {
		return firstVersionOf(paths[i]) < firstVersionOf(paths[j])
	})
	return paths, nil
}

func firstVersionOf(path string) uint64 {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, sealedExt)
	v, _ := strconv.ParseUint(name, 10, 64)
	return v
}
