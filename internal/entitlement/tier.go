// Package entitlement reconciles purchase-ledger transactions into the
// user's current tier and its daily analysis ceiling.
package entitlement

import (
	"fmt"
	"strings"
	"sync"

	"github.com/IGLOU-EU/go-wildcard/v2"
)

// Tier is the user's entitlement class.
type Tier string

const (
	// TierUndetermined means the trial anchor could not be resolved and no
	// entitlement is known. Callers must deny and retry resolution.
	TierUndetermined Tier = "undetermined"
	// TierNone is the expired-trial, no-purchase state.
	TierNone      Tier = "none"
	TierTrial     Tier = "trial"
	TierStandard  Tier = "standard"
	TierUnlimited Tier = "unlimited"

	// tierUnknown is only ever returned from product lookups.
	tierUnknown Tier = "unknown"
)

const (
	trialCeiling     = 10
	standardCeiling  = 10
	unlimitedCeiling = 50
)

// Ceiling returns the daily analysis ceiling for the tier.
func (t Tier) Ceiling() int {
	switch t {
	case TierTrial:
		return trialCeiling
	case TierStandard:
		return standardCeiling
	case TierUnlimited:
		return unlimitedCeiling
	default:
		return 0
	}
}

// Paid reports whether the tier comes from a purchase.
func (t Tier) Paid() bool {
	return t == TierStandard || t == TierUnlimited
}

// Allows reports whether the tier permits analyses at all.
func (t Tier) Allows() bool {
	return t == TierTrial || t.Paid()
}

// ParseTier parses a paid tier name.
func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierStandard:
		return TierStandard, nil
	case TierUnlimited:
		return TierUnlimited, nil
	default:
		return "", fmt.Errorf("unknown paid tier %q", s)
	}
}

// ProductRule maps product identifiers matching Pattern to Tier.
type ProductRule struct {
	Pattern string
	Tier    Tier
}

// DefaultProductRules covers the shipped subscription products.
func DefaultProductRules() []ProductRule {
	return []ProductRule{
		{Pattern: "*.unlimited.*", Tier: TierUnlimited},
		{Pattern: "*.unlimited", Tier: TierUnlimited},
		{Pattern: "*.standard.*", Tier: TierStandard},
		{Pattern: "*.standard", Tier: TierStandard},
	}
}

// ParseProductRules parses "pattern=tier" pairs separated by commas, e.g.
// "com.example.carbs.pro.*=unlimited,com.example.carbs.basic=standard".
func ParseProductRules(raw string) ([]ProductRule, error) {
	var rules []ProductRule
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		pattern, tierName, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(pattern) == "" {
			return nil, fmt.Errorf("invalid product rule %q", entry)
		}
		tier, err := ParseTier(tierName)
		if err != nil {
			return nil, fmt.Errorf("product rule %q: %w", entry, err)
		}
		rules = append(rules, ProductRule{Pattern: strings.TrimSpace(pattern), Tier: tier})
	}
	return rules, nil
}

// ProductMap resolves product identifiers to tiers. First matching rule wins.
type ProductMap struct {
	mu    sync.RWMutex
	rules []ProductRule
}

// NewProductMap creates a map; nil rules means DefaultProductRules.
func NewProductMap(rules []ProductRule) *ProductMap {
	m := &ProductMap{}
	m.Set(rules)
	return m
}

// Set replaces the rule table.
func (m *ProductMap) Set(rules []ProductRule) {
	if rules == nil {
		rules = DefaultProductRules()
	}
	cp := make([]ProductRule, len(rules))
	copy(cp, rules)

	m.mu.Lock()
	m.rules = cp
	m.mu.Unlock()
}

// Lookup returns the tier for productID, or tierUnknown.
func (m *ProductMap) Lookup(productID string) Tier {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rule := range m.rules {
		if wildcard.Match(rule.Pattern, productID) {
			return rule.Tier
		}
	}
	return tierUnknown
}
