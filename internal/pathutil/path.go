// Package pathutil expands operator supplied paths from flags, environment
// and config files.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// Expand substitutes $VAR and ${VAR} tokens and a leading "~/" (or "~\").
// Relative paths stay relative.
func Expand(p string) (string, error) {
	p = os.ExpandEnv(strings.TrimSpace(p))
	if p == "" || p[0] != '~' {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	switch {
	case len(p) == 1:
		return home, nil
	case p[1] == '/' || p[1] == '\\':
		return filepath.Join(home, p[2:]), nil
	}
	// ~user is left to the shell.
	return p, nil
}

// Resolve expands p and makes it absolute. The empty path stays empty.
func Resolve(p string) (string, error) {
	p, err := Expand(p)
	if err != nil || p == "" {
		return p, err
	}
	return filepath.Abs(p)
}
