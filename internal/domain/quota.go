package domain

import (
	"fmt"
	"time"
)

// Limit is the monthly article allowance of a tier.
// Unlimited limits are never compared numerically.
type Limit struct {
	Max       int
	Unlimited bool
}

// Unlimited is the allowance of the pro tier.
var Unlimited = Limit{Unlimited: true}

func (l Limit) String() string {
	if l.Unlimited {
		return "unlimited"
	}
	return fmt.Sprintf("%d", l.Max)
}

// Allows reports whether another article fits under the limit after used.
func (l Limit) Allows(used int) bool {
	return l.Unlimited || used < l.Max
}

// Remaining returns the allowance left, or -1 when unlimited.
func (l Limit) Remaining(used int) int {
	if l.Unlimited {
		return -1
	}
	if used >= l.Max {
		return 0
	}
	return l.Max - used
}

// QuotaPolicy maps tiers to monthly limits.
type QuotaPolicy struct {
	FreeLimit    int
	StarterLimit int
}

// DefaultQuotaPolicy returns the stock limits: free 3, starter 20, pro unlimited.
func DefaultQuotaPolicy() QuotaPolicy {
	return QuotaPolicy{FreeLimit: 3, StarterLimit: 20}
}

// Limit returns the allowance for a tier. Unknown tiers get the free limit.
func (p QuotaPolicy) Limit(t Tier) Limit {
	switch t {
	case TierPro:
		return Unlimited
	case TierStarter:
		return Limit{Max: p.StarterLimit}
	}
	return Limit{Max: p.FreeLimit}
}

// CanStart reports whether u may create another job at now.
func (p QuotaPolicy) CanStart(u *User, now time.Time) bool {
	return p.Limit(u.Tier).Allows(u.UsageAt(now))
}

// Remaining returns the allowance u has left at now, or -1 when unlimited.
func (p QuotaPolicy) Remaining(u *User, now time.Time) int {
	return p.Limit(u.Tier).Remaining(u.UsageAt(now))
}

// Check returns a QuotaExceededError when u cannot start a job.
func (p QuotaPolicy) Check(u *User, now time.Time) error {
	if p.CanStart(u, now) {
		return nil
	}
	return &QuotaExceededError{Tier: u.Tier, Used: u.UsageAt(now), Limit: p.Limit(u.Tier)}
}
