package llm

import (
	"errors"
	"fmt"
)

// Stage names used to route calls to a tier.
const (
	StageClassify = "classify"
	StageSelect   = "select"
	StageGenerate = "generate"
	StageAnalyze  = "analyze"
)

var ErrNoClient = errors.New("no model client configured")

// Router picks the endpoint for each stage. A stage routed to a tier with no
// client falls back to whichever tier is configured, cloud first.
type Router struct {
	clients map[Tier]Client
	routes  map[string]Tier
}

func NewRouter(routes map[string]Tier, clients ...Client) (*Router, error) {
	r := &Router{
		clients: make(map[Tier]Client, len(clients)),
		routes:  make(map[string]Tier, len(routes)),
	}
	for _, c := range clients {
		if c == nil {
			continue
		}
		r.clients[c.Tier()] = c
	}
	if len(r.clients) == 0 {
		return nil, ErrNoClient
	}
	for stage, tier := range routes {
		switch tier {
		case TierCloud, TierLocal:
		default:
			return nil, fmt.Errorf("unknown tier %q for stage %q", tier, stage)
		}
		r.routes[stage] = tier
	}
	return r, nil
}

func (r *Router) For(stage string) Client {
	if tier, ok := r.routes[stage]; ok {
		if c, ok := r.clients[tier]; ok {
			return c
		}
	}
	if c, ok := r.clients[TierCloud]; ok {
		return c
	}
	return r.clients[TierLocal]
}
