// Package entitlements maps the price attached to a subscription onto the
// feature keys that price unlocks.
package entitlements

import (
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/angelmondragon/estimator-billing/pkg/config"
)

const (
	FeatureExportsPDF         = "exports.pdf"
	FeatureExportsCSV         = "exports.csv"
	FeatureAssembliesCore     = "assemblies.core"
	FeatureLibrariesManage    = "libraries.manage"
	FeatureCustomersCRUD      = "customers.crud"
	FeatureBillingPortal      = "billing.portal"
	FeatureAssembliesAdvanced = "assemblies.advanced"
	FeaturePrioritySupport    = "priority.support"
)

var proFeatures = []string{
	FeatureExportsPDF,
	FeatureExportsCSV,
	FeatureAssembliesCore,
	FeatureLibrariesManage,
	FeatureCustomersCRUD,
	FeatureBillingPortal,
}

var eliteFeatures = lo.Union(proFeatures, []string{
	FeatureAssembliesAdvanced,
	FeaturePrioritySupport,
})

// Resolver is a static price table. It never touches the network or database.
type Resolver struct {
	byPrice map[string][]string
}

// NewResolver builds the price table from the configured tier price ids.
func NewResolver(prices config.PriceTierConfig) *Resolver {
	return NewResolverFromTiers(prices.ProPriceIDs(), prices.ElitePriceIDs())
}

// NewResolverFromTiers builds the price table from explicit price id lists.
// A price listed in both tiers receives the union of both feature sets.
func NewResolverFromTiers(proPrices, elitePrices []string) *Resolver {
	table := make(map[string][]string, len(proPrices)+len(elitePrices))
	add := func(priceIDs, features []string) {
		for _, id := range priceIDs {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			table[id] = lo.Union(table[id], features)
		}
	}
	add(proPrices, proFeatures)
	add(elitePrices, eliteFeatures)

	for id, features := range table {
		sorted := slices.Clone(features)
		slices.Sort(sorted)
		table[id] = sorted
	}
	return &Resolver{byPrice: table}
}

// Resolve returns the sorted feature keys unlocked by priceID. Tiers are keyed
// by price, so productID never widens the result. Unknown prices yield an
// empty, non-nil set.
func (r *Resolver) Resolve(productID, priceID string) []string {
	if r == nil {
		return []string{}
	}
	features, ok := r.byPrice[strings.TrimSpace(priceID)]
	if !ok {
		return []string{}
	}
	return slices.Clone(features)
}

// Known reports whether priceID belongs to a configured tier.
func (r *Resolver) Known(priceID string) bool {
	if r == nil {
		return false
	}
	_, ok := r.byPrice[strings.TrimSpace(priceID)]
	return ok
}
