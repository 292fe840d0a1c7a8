// Package idempotency deduplicates concurrent submissions: identical in-flight
// searches are redirected to the request id already running.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/forkcast/forkcast/pkg/models"
)

var whitespaceRe = regexp.MustCompile(`\s+`)

// NormalizeQuery lowercases, trims, and collapses inner whitespace.
// Idempotent: NormalizeQuery(NormalizeQuery(x)) == NormalizeQuery(x).
func NormalizeQuery(q string) string {
	q = strings.ToLower(q)
	q = whitespaceRe.ReplaceAllString(q, " ")
	return strings.TrimSpace(q)
}

// LocationBucket buckets coordinates to 4 decimal places (~11 m), so jittery
// client GPS readings map to the same fingerprint.
func LocationBucket(loc *models.UserLocation) string {
	if loc == nil {
		return "no-location"
	}
	return fmt.Sprintf("%.4f,%.4f", loc.Lat, loc.Lng)
}

// serializeFilters renders filters deterministically: scalars in a fixed
// order, arrays sorted lexicographically.
func serializeFilters(f *models.SearchFilters) string {
	if f == nil {
		return "open=false|price=0|diet=|must="
	}
	dietary := append([]string(nil), f.Dietary...)
	sort.Strings(dietary)
	mustHave := append([]string(nil), f.MustHave...)
	sort.Strings(mustHave)
	return fmt.Sprintf("open=%t|price=%d|diet=%s|must=%s",
		f.OpenNow, f.PriceLevel, strings.Join(dietary, ","), strings.Join(mustHave, ","))
}

// Fingerprint computes the SHA-256 request fingerprint.
func Fingerprint(sessionID, query, mode string, loc *models.UserLocation, filters *models.SearchFilters) string {
	material := strings.Join([]string{
		sessionID,
		NormalizeQuery(query),
		mode,
		LocationBucket(loc),
		serializeFilters(filters),
	}, "|")
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}
