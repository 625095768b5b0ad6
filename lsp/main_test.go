package lsp_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/guseggert/procbridge/internal/lsptest"
	"github.com/guseggert/procbridge/lsp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var log = zap.NewNop().Sugar()

func TestMain(m *testing.M) {
	lsptest.Main(m.Run)
}

// fakeLanguage registers the fake server under the "go" tag so project detection
// and startup share one table.
func fakeLanguage(t *testing.T, mode string, opts ...lsptest.Option) lsp.Table {
	t.Helper()
	srv, err := lsptest.Command(mode, opts...)
	require.NoError(t, err)
	return lsp.DefaultLanguages().With(lsp.Language{
		Tag:       "go",
		Command:   srv.Command,
		Args:      srv.Args,
		Env:       srv.Env,
		Manifests: []string{"go.mod"},
	})
}

func goProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module example.com/p\n"), 0o644))
	return dir
}
