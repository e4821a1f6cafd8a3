package embedding

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/ashita-ai/shinsa/internal/model"
)

// ClaimText renders the parts of a claim that make two claims "alike" into
// a stable string for embedding. Identifiers and timestamps are left out.
func ClaimText(b model.ClaimBundle) string {
	var sb strings.Builder
	c := b.Claim
	fmt.Fprintf(&sb, "carrier: %s\n", c.Carrier)
	fmt.Fprintf(&sb, "status: %s\n", c.Status)
	if d := strings.TrimSpace(c.Description); d != "" {
		fmt.Fprintf(&sb, "description: %s\n", d)
	}

	keys := make([]string, 0, len(c.Data))
	for k, v := range c.Data {
		switch v.(type) {
		case string, float64, int, int64, bool:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s: %v\n", k, c.Data[k])
	}

	if len(b.Supplements) > 0 {
		var total float64
		statuses := make([]string, len(b.Supplements))
		for i, s := range b.Supplements {
			total += s.Amount
			statuses[i] = s.Status
		}
		sort.Strings(statuses)
		fmt.Fprintf(&sb, "supplements: %d totalling %.2f (%s)\n", len(b.Supplements), total, strings.Join(statuses, ", "))
	}
	if len(b.Photos) > 0 {
		cats := make([]string, len(b.Photos))
		for i, p := range b.Photos {
			cats[i] = p.Category
		}
		sort.Strings(cats)
		fmt.Fprintf(&sb, "photos: %d (%s)\n", len(b.Photos), strings.Join(cats, ", "))
	}
	if len(b.Inspections) > 0 {
		statuses := make([]string, len(b.Inspections))
		for i, in := range b.Inspections {
			statuses[i] = in.Status
		}
		sort.Strings(statuses)
		fmt.Fprintf(&sb, "inspections: %d (%s)\n", len(b.Inspections), strings.Join(statuses, ", "))
	}
	return sb.String()
}

// ContentHash fingerprints embedding input so unchanged claims are not
// re-embedded.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
