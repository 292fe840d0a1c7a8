package pipeline

import (
	"sort"
	"strings"

	"github.com/forkcast/forkcast/pkg/models"
)

// Ranking weights. Cuisine dominates, rating second, proximity last.
const (
	weightCuisine   = 0.5
	weightRating    = 0.3
	weightProximity = 0.2
)

// PostFilter applies the deterministic constraint filters, records per-filter
// drop counts, ranks the survivors, and returns them sorted by descending
// rank score. No LLM involvement.
func PostFilter(candidates []models.RankedPlace, filters *models.SearchFilters, virtual VirtualFilters, radiusMeters int) ([]models.RankedPlace, models.FilterStats) {
	stats := models.FilterStats{Candidates: len(candidates)}

	openNow := virtual.OpenNow
	var priceLevel int
	var dietary, mustHave []string
	if filters != nil {
		openNow = openNow || filters.OpenNow
		priceLevel = filters.PriceLevel
		dietary = filters.Dietary
		mustHave = filters.MustHave
	}
	dietary = appendVirtualDietary(dietary, virtual)

	kept := make([]models.RankedPlace, 0, len(candidates))
	for _, c := range candidates {
		// Open-now drops only places known to be closed; unknown passes.
		if openNow && c.OpenNow != nil && !*c.OpenNow {
			stats.DroppedClosed++
			continue
		}
		// Price drops only places with a known level above the cap.
		if priceLevel > 0 && c.PriceLevel > priceLevel {
			stats.DroppedPrice++
			continue
		}
		if !hasAllAttributes(c.Attributes, dietary) {
			stats.DroppedDiet++
			continue
		}
		if !hasAllAttributes(c.Attributes, mustHave) {
			stats.DroppedAccess++
			continue
		}
		kept = append(kept, c)
	}
	stats.Kept = len(kept)

	for i := range kept {
		kept[i].RankScore = rankScore(&kept[i], radiusMeters)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].RankScore > kept[j].RankScore
	})
	return kept, stats
}

// rankScore combines the boost-only cuisine score with normalized rating and
// proximity. Missing distance contributes zero proximity.
func rankScore(p *models.RankedPlace, radiusMeters int) float64 {
	rating := p.Rating / 5
	proximity := 0.0
	if p.DistanceMeters > 0 && radiusMeters > 0 {
		frac := p.DistanceMeters / float64(radiusMeters)
		if frac > 1 {
			frac = 1
		}
		proximity = 1 - frac
	}
	return weightCuisine*p.CuisineScore + weightRating*rating + weightProximity*proximity
}

func appendVirtualDietary(dietary []string, v VirtualFilters) []string {
	out := append([]string(nil), dietary...)
	add := func(tag string) {
		for _, d := range out {
			if strings.EqualFold(d, tag) {
				return
			}
		}
		out = append(out, tag)
	}
	if v.Kosher {
		add("kosher")
	}
	if v.Vegan {
		add("vegan")
	}
	if v.GlutenFree {
		add("gluten_free")
	}
	return out
}

func hasAllAttributes(attrs, required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range attrs {
			if strings.EqualFold(have, want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
