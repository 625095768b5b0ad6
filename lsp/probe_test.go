package lsp_test

import (
	"context"
	"runtime"
	"testing"

	apperrors "github.com/guseggert/procbridge/internal/errors"
	"github.com/guseggert/procbridge/lsp"
	"github.com/stretchr/testify/assert"
)

func TestProbe(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	table := lsp.Table{
		{Tag: "ok", Command: "sh", VersionArgs: []string{"-c", "echo 1.2.3"}},
		{Tag: "stderr-error", Command: "sh", VersionArgs: []string{"-c", "echo 'ERROR: toolchain missing' >&2"}},
		{Tag: "stderr-noise", Command: "sh", VersionArgs: []string{"-c", "echo 'warning: old' >&2"}},
		{Tag: "exit-1", Command: "sh", VersionArgs: []string{"-c", "exit 1"}},
		{Tag: "missing", Command: "procbridge-definitely-not-installed"},
	}
	cases := map[string]bool{
		"ok":           true,
		"stderr-error": false,
		"stderr-noise": true,
		"exit-1":       false,
		"missing":      false,
	}
	for tag, expected := range cases {
		tag, expected := tag, expected
		t.Run(tag, func(t *testing.T) {
			ok, err := lsp.Probe(context.Background(), log, table, tag)
			assert.NoError(t, err)
			assert.Equal(t, expected, ok)
		})
	}

	_, err := lsp.Probe(context.Background(), log, table, "cobol")
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)
}
