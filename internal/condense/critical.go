package condense

import (
	"strings"

	"github.com/monetahq/moneta/pkg/memory"
)

// CriticalFn classifies an event into a critical sub-type. It returns the
// sub-type label and true when the event must survive condensation verbatim.
// The condenser keeps only the most recent event per sub-type, so at most one
// representative of each label stays uncompressed.
type CriticalFn func(ev memory.Event) (subType string, critical bool)

// NeverCritical is a CriticalFn that marks no events as critical. Sessions
// using it condense purely by position (head and tail).
func NeverCritical(memory.Event) (string, bool) {
	return "", false
}

// subTypeRule matches an event to a critical sub-type when any of its
// phrases appears in the lower-cased event content. Rules are checked in
// order; the first match wins.
type subTypeRule struct {
	subType string
	phrases []string
}

var criticalRules = map[memory.Domain][]subTypeRule{
	memory.DomainLBO: {
		{"transaction-structure", []string{"purchase price", "entry multiple", "equity contribution", "sources and uses", "rollover"}},
		{"debt-sizing", []string{"debt multiple", "leverage ratio", "term loan", "tranche", "x ebitda"}},
		{"exit-analysis", []string{"exit multiple", "exit year", "irr", "moic", "hold period"}},
	},
	memory.DomainMA: {
		{"deal-terms", []string{"purchase price", "exchange ratio", "consideration", "premium"}},
		{"synergies", []string{"synergies", "synergy", "cost savings"}},
		{"accretion", []string{"accretion", "dilution", "pro forma eps"}},
	},
	memory.DomainDebt: {
		{"facility-terms", []string{"term loan", "revolver", "tranche", "maturity", "pricing grid"}},
		{"covenants", []string{"covenant", "interest coverage", "leverage ratio"}},
		{"amortisation", []string{"amortization", "amortisation", "mandatory prepayment"}},
	},
	memory.DomainLending: {
		{"facility-terms", []string{"unitranche", "credit agreement", "commitment"}},
		{"collateral", []string{"collateral", "borrowing base", "loan to value"}},
	},
}

// CriticalByEventDomain classifies each event with the rules of the event's
// own detected domain. Sub-types are namespaced by domain so that, say,
// "facility-terms" events from the debt and lending domains each keep their
// own representative.
func CriticalByEventDomain() CriticalFn {
	return func(ev memory.Event) (string, bool) {
		sub, ok := CriticalForDomain(ev.Domain)(ev)
		if !ok {
			return "", false
		}
		return string(ev.Domain) + "/" + sub, true
	}
}

// CriticalForDomain returns a CriticalFn tuned to the given financial domain.
// Unknown domains get [NeverCritical].
func CriticalForDomain(domain memory.Domain) CriticalFn {
	rules, ok := criticalRules[domain]
	if !ok {
		return NeverCritical
	}
	return func(ev memory.Event) (string, bool) {
		if ev.Role == memory.RoleCondensation {
			return "", false
		}
		content := strings.ToLower(ev.Content)
		for _, rule := range rules {
			for _, p := range rule.phrases {
				if strings.Contains(content, p) {
					return rule.subType, true
				}
			}
		}
		return "", false
	}
}
