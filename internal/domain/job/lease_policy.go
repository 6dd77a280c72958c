// Package job holds queue-side domain logic shared by the job service and
// the worker runners: lease resolution and new-job notification fan-out.
package job

import (
	"errors"
	"math"
	"time"
)

// ErrInvalidDefaultLease rejects a non-positive default lease at
// construction time.
var ErrInvalidDefaultLease = errors.New("default lease must be positive")

// LeaseSource records how a lease duration was decided.
type LeaseSource string

const (
	// LeaseSourceExplicit means the caller's positive duration was used.
	LeaseSourceExplicit LeaseSource = "explicit"
	// LeaseSourceDefault means the policy default filled a zero request.
	LeaseSourceDefault LeaseSource = "default"
	// LeaseSourceClamped means the request was pushed into the supported
	// range (minimum one second).
	LeaseSourceClamped LeaseSource = "clamped"
)

// LeaseDecision is the resolved lease for one reservation or heartbeat.
type LeaseDecision struct {
	Seconds   int
	Source    LeaseSource
	Requested time.Duration
}

// UsedDefault reports whether the default lease was applied.
func (d LeaseDecision) UsedDefault() bool { return d.Source == LeaseSourceDefault }

// Clamped reports whether the request was adjusted into range.
func (d LeaseDecision) Clamped() bool { return d.Source == LeaseSourceClamped }

// LeasePolicy turns caller-requested lease durations into whole seconds the
// queue stores in lease_expires_at. Zero requests take the default;
// sub-second and negative requests clamp to one second.
type LeasePolicy struct {
	defaultLease time.Duration
}

// NewLeasePolicy builds a policy around the given default.
func NewLeasePolicy(defaultLease time.Duration) (*LeasePolicy, error) {
	if defaultLease <= 0 {
		return nil, ErrInvalidDefaultLease
	}
	return &LeasePolicy{defaultLease: defaultLease}, nil
}

// Default returns the configured default lease.
func (p *LeasePolicy) Default() time.Duration {
	if p == nil {
		return 0
	}
	return p.defaultLease
}

// Resolve normalizes one lease request.
func (p *LeasePolicy) Resolve(request time.Duration) LeaseDecision {
	if p == nil {
		return LeaseDecision{Source: LeaseSourceDefault, Requested: request}
	}

	decision := LeaseDecision{Requested: request}
	switch {
	case request > 0:
		seconds, clamped := wholeSeconds(request)
		decision.Seconds = seconds
		decision.Source = LeaseSourceExplicit
		if clamped {
			decision.Source = LeaseSourceClamped
		}
	case request == 0:
		decision.Seconds, _ = wholeSeconds(p.defaultLease)
		decision.Source = LeaseSourceDefault
	default:
		decision.Seconds = 1
		decision.Source = LeaseSourceClamped
	}
	return decision
}

func wholeSeconds(d time.Duration) (int, bool) {
	seconds := int64(d / time.Second)
	clamped := false
	if seconds <= 0 {
		seconds = 1
		clamped = true
	}
	if seconds > int64(math.MaxInt) {
		seconds = int64(math.MaxInt)
		clamped = true
	}
	return int(seconds), clamped
}
