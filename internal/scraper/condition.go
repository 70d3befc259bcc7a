package scraper

import "strings"

// ParseCondition maps a source's free-form condition wording onto the
// normalized vocabulary. Unknown wording counts as USED, the conservative
// choice for pricing.
func ParseCondition(raw string) Condition {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "new", "mint", "new other", "new (other)", "brand new":
		return ConditionNew
	case "sealed", "factory sealed":
		return ConditionSealed
	case "used", "complete", "pre-owned":
		return ConditionUsed
	default:
		return ConditionUsed
	}
}
