package files

import (
	"os"
	"path/filepath"
)

// FindUpAny walks from dir toward the filesystem root and returns the first
// directory that contains one of names, along with the name that matched.
// Within a directory, names are tried in order. ok is false if no ancestor
// contains any of them.
func FindUpAny(dir string, names []string) (foundDir, name string, ok bool) {
	curDir := filepath.Clean(dir)
	for {
		for _, n := range names {
			if _, err := os.Stat(filepath.Join(curDir, n)); err == nil {
				return curDir, n, true
			}
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return "", "", false
		}
		curDir = newDir
	}
}
