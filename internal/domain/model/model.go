// Package model holds the entities and request types shared by the
// merrymaker core: jobs, scheduled work, events, alerts, and the
// configuration rows (sites, sources, secrets, sinks) they reference.
package model

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// DefaultScope partitions detection state when a site does not declare its
// own scope.
const DefaultScope = "default"

// ScopeGlobal is the pseudo-scope whose allow-list entries apply everywhere.
const ScopeGlobal = "global"

// NormalizeScope trims the scope and falls back to DefaultScope when empty.
func NormalizeScope(scope string) string {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return DefaultScope
	}
	return scope
}

func requireName(name string, min, max int) error {
	n := strings.TrimSpace(name)
	if n == "" {
		return errors.New("name is required and cannot be empty")
	}
	runes := utf8.RuneCountInString(n)
	if runes < min {
		return errors.New("name is too short")
	}
	if runes > max {
		return errors.New("name is too long")
	}
	return nil
}
