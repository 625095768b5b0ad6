package lsp

import (
	"os"
	"path/filepath"

	apperrors "github.com/guseggert/procbridge/internal/errors"
	"github.com/guseggert/procbridge/internal/files"
)

// Project is a detected project root and the language whose manifest marks it.
type Project struct {
	Language string `json:"projectType"`
	RootPath string `json:"rootPath"`
}

// DetectProject walks from path toward the filesystem root looking for the nearest
// directory holding one of the table's manifests. A file path starts the walk at its
// parent directory. When one directory holds several manifests, table order decides.
func DetectProject(path string, languages Table) (Project, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Project{}, apperrors.Wrap(apperrors.CodeNotFound, "invalid path", err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return Project{}, apperrors.New(apperrors.CodeNotFound, "path does not exist")
	}
	// a directory is searched itself before its ancestors
	start := abs
	if !fi.IsDir() {
		start = filepath.Dir(abs)
	}

	names, owners := languages.manifests()
	dir, manifest, ok := files.FindUpAny(start, names)
	if !ok {
		return Project{}, apperrors.New(apperrors.CodeNotFound, "unknown")
	}
	return Project{Language: owners[manifest], RootPath: dir}, nil
}
