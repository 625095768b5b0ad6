package lsp

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// Probe reports whether the language server for tag is installed and runnable.
//
// The server's version command must exit successfully with no "error" on stderr.
// A missing binary is reported as false, not as an error. An unknown tag is a
// configuration error.
func Probe(ctx context.Context, log *zap.SugaredLogger, languages Table, tag string) (bool, error) {
	lang, err := languages.Lookup(tag)
	if err != nil {
		return false, err
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, lang.Command, lang.VersionArgs...)
	cmd.Stderr = &stderr
	err = cmd.Run()

	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		log.Debugw("language server version check failed", "Language", tag, "ExitCode", exitErr.ExitCode(), "Stderr", stderr.String())
		return false, nil
	case err != nil:
		log.Debugw("language server not runnable", "Language", tag, "Command", lang.Command, "Error", err)
		return false, nil
	}
	if strings.Contains(strings.ToLower(stderr.String()), "error") {
		log.Debugw("language server reported an error", "Language", tag, "Stderr", stderr.String())
		return false, nil
	}
	return true, nil
}
