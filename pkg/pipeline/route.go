package pipeline

import "github.com/forkcast/forkcast/pkg/places"

// BuildRoute maps the intent to a provider dispatch. The route-map is
// deterministic: no LLM involvement and no failure mode.
//
// nearbysearch is chosen when the caller supplied coordinates, when the
// intent is relative ("near me"), or when an explicit radius was stated;
// everything else goes through textsearch. A missing radius falls back to the
// configured default.
func (p *Pipeline) BuildRoute(req *Request, intent *IntentResult) RoutePlan {
	plan := RoutePlan{
		Mode:         places.ModeText,
		RadiusMeters: intent.RadiusMeters,
	}
	if plan.RadiusMeters <= 0 {
		plan.RadiusMeters = p.cfg.DefaultRadiusM
	}

	hasCoords := req.UserLocation != nil && req.UserLocation.Valid()
	if hasCoords && (intent.Location.IsRelative || intent.TargetType == TargetCoords || intent.RadiusMeters > 0) {
		plan.Mode = places.ModeNearby
	}
	return plan
}

// buildProviderQuery assembles the provider dispatch from the route plan.
func buildProviderQuery(req *Request, intent *IntentResult, plan RoutePlan) places.Query {
	q := places.Query{
		Mode:         plan.Mode,
		Keyword:      intent.Food.Canonical,
		RadiusMeters: plan.RadiusMeters,
		OpenNow:      intent.Virtual.OpenNow,
	}
	if req.Filters != nil && req.Filters.OpenNow {
		q.OpenNow = true
	}
	if plan.Mode == places.ModeNearby {
		q.Center = req.UserLocation
	} else {
		q.LocationText = intent.Location.Text
	}
	return q
}
