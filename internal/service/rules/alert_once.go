package rules

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/target/merrymaker-core/internal/core"
)

const alertOnceStripes = 256

// alertOnceLocks stripes in-process coordination so only one goroutine per
// key attempts the shared SetIfNotExists at a time. Cross-process
// exclusivity comes from the atomic claim itself.
//
//nolint:gochecknoglobals // process-wide striping across evaluator instances
var alertOnceLocks [alertOnceStripes]sync.Mutex

// AlertOnceThrottle enforces alert-once-per-scope over the shared cache with
// a small local assist. Claims live under
// rules:alertonce:scope:<scope>:key:<rule>:<subject>.
type AlertOnceThrottle struct {
	local  *LocalLRU
	shared core.CacheRepository
}

// NewAlertOnceThrottle builds an AlertOnceThrottle. Either tier may be nil.
func NewAlertOnceThrottle(local *LocalLRU, shared core.CacheRepository) *AlertOnceThrottle {
	return &AlertOnceThrottle{local: local, shared: shared}
}

// AlertOnceKey composes the shared-cache key for a scope and dedupe key.
// The dedupe key is <rule>:<subject> and the subject may contain colons.
func AlertOnceKey(scope, dedupeKey string) string {
	return "rules:alertonce:scope:" + scope + ":key:" + dedupeKey
}

// ParseAlertOnceKey splits an alert-once key back into scope, rule, and
// subject. It accepts exactly the layout AlertOnceKey produces.
func ParseAlertOnceKey(key string) (scope, rule, subject string, ok bool) {
	rest, found := strings.CutPrefix(key, "rules:alertonce:scope:")
	if !found {
		return "", "", "", false
	}
	scope, rest, found = strings.Cut(rest, ":key:")
	if !found || scope == "" {
		return "", "", "", false
	}
	rule, subject, found = strings.Cut(rest, ":")
	if !found || rule == "" || subject == "" {
		return "", "", "", false
	}
	return scope, rule, subject, true
}

func (a *AlertOnceThrottle) key(req AlertSeenRequest) (string, error) {
	if err := req.Scope.Validate(); err != nil {
		return "", err
	}
	k := strings.ToLower(strings.TrimSpace(req.DedupeKey))
	if k == "" {
		return "", errors.New("dedupe key is required")
	}
	return AlertOnceKey(req.Scope.Scope, k), nil
}

func (a *AlertOnceThrottle) stripe(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &alertOnceLocks[h.Sum32()%alertOnceStripes]
}

func (a *AlertOnceThrottle) localExists(key string) bool {
	return a.local != nil && a.local.Exists(key)
}

func (a *AlertOnceThrottle) localSet(key string, ttl time.Duration) {
	if a.local != nil {
		a.local.Set(key, seenMarker, ttl)
	}
}

// Seen atomically claims the dedupe key, reporting true when it was already
// claimed. With no shared tier the local LRU is the only gate, which is
// acceptable for single-process deployments and tests.
func (a *AlertOnceThrottle) Seen(ctx context.Context, req AlertSeenRequest) (bool, error) {
	key, err := a.key(req)
	if err != nil {
		return false, err
	}

	mu := a.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	if a.localExists(key) {
		return true, nil
	}
	if a.shared == nil {
		a.localSet(key, req.TTL)
		return false, nil
	}

	claimed, err := a.shared.SetIfNotExists(ctx, key, seenMarker, req.TTL)
	if err != nil {
		return false, err
	}
	a.localSet(key, req.TTL)
	return !claimed, nil
}

// Peek reports whether the key is claimed without claiming it.
func (a *AlertOnceThrottle) Peek(ctx context.Context, req AlertSeenRequest) (bool, error) {
	key, err := a.key(req)
	if err != nil {
		return false, err
	}

	if a.localExists(key) {
		return true, nil
	}
	if a.shared == nil {
		return false, nil
	}

	exists, err := a.shared.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("alert-once peek %q: %w", key, err)
	}
	if exists && req.TTL > 0 {
		a.localSet(key, req.TTL)
	}
	return exists, nil
}

var _ AlertOnceCache = (*AlertOnceThrottle)(nil)
