package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ResolveSecretPlaceholders substitutes __NAME__ tokens in content with the
// named secrets' values. Names are deduplicated; a name whose token never
// appears costs no lookup. Content without tokens, or an empty name list,
// passes through unchanged. A missing secret fails the whole resolution.
func ResolveSecretPlaceholders(
	ctx context.Context,
	repo SecretRepository,
	secretNames []string,
	content string,
) (string, error) {
	if len(secretNames) == 0 || strings.TrimSpace(content) == "" {
		return content, nil
	}
	if repo == nil {
		return "", errors.New("secret repository not configured")
	}

	seen := make(map[string]struct{}, len(secretNames))
	resolved := content

	for _, name := range secretNames {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		placeholder := "__" + name + "__"
		if !strings.Contains(resolved, placeholder) {
			continue
		}

		secret, err := repo.GetByName(ctx, name)
		if err != nil {
			return "", fmt.Errorf("resolve secret %q: %w", name, err)
		}
		resolved = strings.ReplaceAll(resolved, placeholder, secret.Value)
	}

	return resolved, nil
}
