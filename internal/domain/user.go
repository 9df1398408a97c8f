package domain

import (
	"strings"
	"time"
)

// Tier is a subscription level. Tiers are ordered free < starter < pro.
type Tier string

const (
	TierFree    Tier = "free"
	TierStarter Tier = "starter"
	TierPro     Tier = "pro"
)

// ParseTier accepts a tier name in any case.
func ParseTier(s string) (Tier, bool) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TierFree, TierStarter, TierPro:
		return t, true
	}
	return "", false
}

// Rank orders tiers; higher is more capable.
func (t Tier) Rank() int {
	switch t {
	case TierStarter:
		return 1
	case TierPro:
		return 2
	}
	return 0
}

// User owns jobs and carries the monthly usage counter.
type User struct {
	ID              int64
	Email           string
	Name            string
	Country         string
	Tier            Tier
	PaymentProvider PaymentProvider
	MonthlyCount    int
	UsagePeriod     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// UsagePeriod returns the counter period key ("2006-01") for t in UTC.
func UsagePeriod(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// UsageAt returns the completed-article count for the period containing now.
// A counter recorded in an earlier period reads as zero.
func (u *User) UsageAt(now time.Time) int {
	if u.UsagePeriod != UsagePeriod(now) {
		return 0
	}
	return u.MonthlyCount
}

// NewUser describes a user to register.
type NewUser struct {
	Email   string
	Name    string
	Country string
	Tier    Tier
}
