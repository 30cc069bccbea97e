package ratelimit

import "strings"

// Operation category a request is limited under.
type Mode string

const (
	ModeCrawl       Mode = "crawl"
	ModeScrape      Mode = "scrape"
	ModeSearch      Mode = "search"
	ModePreview     Mode = "preview"
	ModeAccount     Mode = "account"
	ModeCrawlStatus Mode = "crawlStatus"
	ModeTestSuite   Mode = "testSuite"
)

// Every mode the registry recognizes. A table must configure all of them.
var KnownModes = []Mode{
	ModeCrawl,
	ModeScrape,
	ModeSearch,
	ModePreview,
	ModeAccount,
	ModeCrawlStatus,
	ModeTestSuite,
}

func (m Mode) Valid() bool {
	for _, known := range KnownModes {
		if m == known {
			return true
		}
	}
	return false
}

// Subscription tier. PlanDefault means no plan was provided.
type Plan string

const (
	PlanDefault  Plan = ""
	PlanFree     Plan = "free"
	PlanHobby    Plan = "hobby"
	PlanStarter  Plan = "starter"
	PlanStandard Plan = "standard"
	PlanGrowth   Plan = "growth"
)

var KnownPlans = []Plan{
	PlanFree,
	PlanHobby,
	PlanStarter,
	PlanStandard,
	PlanGrowth,
}

// Normalizes a plan name: trimmed, lower case, without dashes, so
// "Standard-New" and "standardnew" are the same plan.
func ParsePlan(s string) Plan {
	s = strings.ToLower(strings.TrimSpace(s))
	return Plan(strings.ReplaceAll(s, "-", ""))
}

func (p Plan) Known() bool {
	for _, known := range KnownPlans {
		if p == known {
			return true
		}
	}
	return false
}

func (p Plan) String() string {
	if p == PlanDefault {
		return "default"
	}
	return string(p)
}
