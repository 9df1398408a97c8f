package domain

import "strings"

// PaymentProvider is the processor used to bill a user.
type PaymentProvider string

const (
	ProviderStripe   PaymentProvider = "stripe"
	ProviderPaystack PaymentProvider = "paystack"
)

// DefaultPaystackCountries are served by Paystack; everything else by Stripe.
var DefaultPaystackCountries = []string{"NG", "GH", "ZA", "KE", "EG", "CI"}

// Plan is one purchasable tier in the user's billing currency.
type Plan struct {
	Tier       Tier   `json:"tier"`
	Currency   string `json:"currency"`
	PriceMinor int64  `json:"price_minor"`
	Limit      Limit  `json:"-"`
}

// BillingPolicy selects payment providers and prices.
type BillingPolicy struct {
	paystack map[string]bool
	quota    QuotaPolicy
}

// NewBillingPolicy builds a policy from a list of Paystack country codes.
func NewBillingPolicy(paystackCountries []string, quota QuotaPolicy) *BillingPolicy {
	set := make(map[string]bool, len(paystackCountries))
	for _, c := range paystackCountries {
		set[normalizeCountry(c)] = true
	}
	return &BillingPolicy{paystack: set, quota: quota}
}

func normalizeCountry(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ProviderFor returns the provider for a country code. Unknown or empty
// codes fall back to Stripe.
func (b *BillingPolicy) ProviderFor(country string) PaymentProvider {
	if b.paystack[normalizeCountry(country)] {
		return ProviderPaystack
	}
	return ProviderStripe
}

// Pricing lists the plans offered to a country.
func (b *BillingPolicy) Pricing(country string) []Plan {
	if b.ProviderFor(country) == ProviderPaystack {
		return []Plan{
			{Tier: TierFree, Currency: "NGN", PriceMinor: 0, Limit: b.quota.Limit(TierFree)},
			{Tier: TierStarter, Currency: "NGN", PriceMinor: 500000, Limit: b.quota.Limit(TierStarter)},
			{Tier: TierPro, Currency: "NGN", PriceMinor: 1500000, Limit: b.quota.Limit(TierPro)},
		}
	}
	return []Plan{
		{Tier: TierFree, Currency: "USD", PriceMinor: 0, Limit: b.quota.Limit(TierFree)},
		{Tier: TierStarter, Currency: "USD", PriceMinor: 1000, Limit: b.quota.Limit(TierStarter)},
		{Tier: TierPro, Currency: "USD", PriceMinor: 3000, Limit: b.quota.Limit(TierPro)},
	}
}
