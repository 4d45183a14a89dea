package cache

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

const defaultPlanCycleTTL = 10 * time.Minute

// PlanCycleCache stores artist plan cycles for the subscription
// validity-window fallback.
type PlanCycleCache interface {
	GetCycle(artistID snowflake.ID) (string, bool)
	SetCycle(artistID snowflake.ID, cycle string)
}

type planCycleCache struct {
	cycles Cache[snowflake.ID, string]
	ttl    time.Duration
}

// NewPlanCycleCache returns an in-memory cache tuned for plan lookups.
func NewPlanCycleCache() PlanCycleCache {
	return &planCycleCache{
		cycles: NewTTLCache[snowflake.ID, string](),
		ttl:    defaultPlanCycleTTL,
	}
}

func (c *planCycleCache) GetCycle(artistID snowflake.ID) (string, bool) {
	return c.cycles.Get(artistID)
}

func (c *planCycleCache) SetCycle(artistID snowflake.ID, cycle string) {
	if cycle == "" {
		return
	}
	c.cycles.Set(artistID, cycle, c.ttl)
}
