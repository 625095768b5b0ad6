package lsp

import (
	apperrors "github.com/guseggert/procbridge/internal/errors"
)

// Language describes how to run and recognize one language server.
type Language struct {
	// Tag is the short name callers use, such as "go" or "rust".
	Tag string
	// Command and Args launch the server speaking LSP on stdio.
	Command string
	Args    []string
	// VersionArgs are passed to Command to check that the server is installed.
	VersionArgs []string
	// Manifests are file names whose presence marks a project root, in priority order.
	Manifests []string
	// Env holds extra KEY=VALUE pairs added to the server's environment.
	Env []string
}

// Table is an ordered set of languages. Earlier entries win manifest ties.
type Table []Language

// DefaultLanguages returns the built-in language table.
func DefaultLanguages() Table {
	return Table{
		{
			Tag:         "rust",
			Command:     "rust-analyzer",
			VersionArgs: []string{"--version"},
			Manifests:   []string{"Cargo.toml"},
		},
		{
			Tag:         "go",
			Command:     "gopls",
			Args:        []string{"serve"},
			VersionArgs: []string{"version"},
			Manifests:   []string{"go.mod"},
		},
	}
}

// Lookup returns the language registered under tag.
func (t Table) Lookup(tag string) (Language, error) {
	for _, l := range t {
		if l.Tag == tag {
			return l, nil
		}
	}
	return Language{}, apperrors.UnsupportedLanguage(tag)
}

// With returns a copy of t with l added, replacing any language with the same tag in place.
func (t Table) With(l Language) Table {
	out := make(Table, 0, len(t)+1)
	replaced := false
	for _, existing := range t {
		if existing.Tag == l.Tag {
			out = append(out, l)
			replaced = true
			continue
		}
		out = append(out, existing)
	}
	if !replaced {
		out = append(out, l)
	}
	return out
}

// Tags lists the table's language tags in order.
func (t Table) Tags() []string {
	tags := make([]string, 0, len(t))
	for _, l := range t {
		tags = append(tags, l.Tag)
	}
	return tags
}

// manifests flattens the table into manifest names in priority order, and maps
// each name back to the first language claiming it.
func (t Table) manifests() ([]string, map[string]string) {
	var names []string
	owners := map[string]string{}
	for _, l := range t {
		for _, m := range l.Manifests {
			if _, ok := owners[m]; ok {
				continue
			}
			owners[m] = l.Tag
			names = append(names, m)
		}
	}
	return names, owners
}
