package txn

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/concourse-go/concourse/pkg/cerrors"
	"github.com/concourse-go/concourse/pkg/store"
)

// RecoverIntents implements the restart policy: every leftover
// <id>.intent file under dir is replayed into parent's Buffer if all of
// its recorded VersionExpectations still hold against parent's current
// state, otherwise it is discarded — either way the file is removed, so
// a repeated Engine restart never reprocesses the same intent twice.
func RecoverIntents(dir string, parent *store.Store) (replayed, deleted int, err error) {
	entries, readErr := os.ReadDir(dir)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return 0, 0, nil
		}
		return 0, 0, &cerrors.IoFailure{Err: readErr}
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".intent") {
			continue
		}
		path := filepath.Join(dir, e.Name())

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return replayed, deleted, &cerrors.IoFailure{Err: readErr}
		}

		in, decodeErr := decodeIntent(data)
		if decodeErr != nil {
			_ = os.Remove(path)
			deleted++
			continue
		}

		if intentStillHolds(in, parent) {
			for i, w := range in.writes {
				w.Version = in.nextVersion + uint64(i)
				if err := parent.InsertWrite(w); err != nil {
					return replayed, deleted, err
				}
			}
			replayed++
		} else {
			deleted++
		}

		_ = os.Remove(path)
	}
	return replayed, deleted, nil
}

func intentStillHolds(in *intent, parent *store.Store) bool {
	for _, exp := range in.expectations {
		if resourceVersion(parent, exp.Resource) != exp.Observed {
			return false
		}
	}
	return true
}

func resourceVersion(parent *store.Store, resource string) uint64 {
	switch {
	case resource == "global":
		return parent.Versions.GlobalVersion()
	case strings.HasPrefix(resource, "key:"):
		return parent.Versions.KeyVersion(resource[len("key:"):])
	default:
		var record uint64
		fmt.Sscanf(resource, "record:%d", &record)
		return parent.Versions.RecordVersion(record)
	}
}
