package facts

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/ashita-ai/shinsa/internal/model"
)

// Extract flattens a claim bundle into a FactMap. It is pure: the same
// bundle always yields the same facts.
func Extract(b model.ClaimBundle) FactMap {
	out := make(map[string]any)
	unavailable := make(map[string]bool, len(b.Unavailable))
	for _, e := range b.Unavailable {
		unavailable[e] = true
	}

	extractClaim(b.Claim, out)

	if !unavailable[model.EntitySupplements] {
		items := make([]any, len(b.Supplements))
		total := 0.0
		byStatus := map[string]int{}
		for i, s := range b.Supplements {
			items[i] = entityFields(s.Data, map[string]any{
				"id":        s.ID.String(),
				"status":    s.Status,
				"amount":    s.Amount,
				"createdAt": timeValue(s.CreatedAt),
			})
			total += s.Amount
			if s.Status != "" {
				byStatus[s.Status]++
			}
		}
		flatten(model.EntitySupplements, items, out)
		out["supplements.totalAmount"] = total
		for status, n := range byStatus {
			out["supplements.byStatus."+status] = float64(n)
		}
	}

	if !unavailable[model.EntityPhotos] {
		items := make([]any, len(b.Photos))
		byCategory := map[string]int{}
		for i, p := range b.Photos {
			fields := map[string]any{
				"id":       p.ID.String(),
				"category": p.Category,
			}
			if p.TakenAt != nil {
				fields["takenAt"] = timeValue(*p.TakenAt)
			}
			items[i] = entityFields(p.Data, fields)
			if p.Category != "" {
				byCategory[p.Category]++
			}
		}
		flatten(model.EntityPhotos, items, out)
		for cat, n := range byCategory {
			out["photos.byCategory."+cat] = float64(n)
		}
	}

	if !unavailable[model.EntityInspections] {
		items := make([]any, len(b.Inspections))
		completed := 0
		for i, in := range b.Inspections {
			fields := map[string]any{
				"id":        in.ID.String(),
				"status":    in.Status,
				"inspector": in.Inspector,
			}
			if in.CompletedAt != nil {
				fields["completedAt"] = timeValue(*in.CompletedAt)
				completed++
			}
			items[i] = entityFields(in.Data, fields)
		}
		flatten(model.EntityInspections, items, out)
		out["inspections.completedCount"] = float64(completed)
	}

	return New(out, b.Unavailable...)
}

func extractClaim(c model.Claim, out map[string]any) {
	// Free-form data first so the typed columns win on collision.
	for k, v := range c.Data {
		flatten(model.EntityClaim+"."+k, v, out)
	}
	out["claim.id"] = c.ID.String()
	setString(out, "claim.claimNumber", c.ClaimNumber)
	setString(out, "claim.status", c.Status)
	setString(out, "claim.carrier", c.Carrier)
	setString(out, "claim.description", c.Description)
	if !c.CreatedAt.IsZero() {
		out["claim.createdAt"] = timeValue(c.CreatedAt)
	}
	if !c.UpdatedAt.IsZero() {
		out["claim.updatedAt"] = timeValue(c.UpdatedAt)
	}
}

// entityFields merges free-form data under typed fields. Typed fields win.
func entityFields(data map[string]any, typed map[string]any) map[string]any {
	m := make(map[string]any, len(data)+len(typed))
	for k, v := range data {
		m[k] = v
	}
	for k, v := range typed {
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		m[k] = v
	}
	return m
}

func setString(out map[string]any, path, s string) {
	if s != "" {
		out[path] = s
	}
}

// timeValue renders t as RFC 3339 UTC. The zero time renders as "" and is
// then dropped like any other empty field.
func timeValue(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// flatten writes v under prefix. Maps recurse with dotted keys; lists
// recurse with indexes and also record prefix.length. Scalar lists are kept
// whole at prefix so contains can test membership; lists of objects get a
// per-field projection (photos.category) for the same purpose.
func flatten(prefix string, v any, out map[string]any) {
	switch val := normalize(v).(type) {
	case nil:
		return
	case map[string]any:
		for k, child := range val {
			flatten(prefix+"."+k, child, out)
		}
	case []any:
		out[prefix+".length"] = float64(len(val))
		scalars := make([]any, 0, len(val))
		projections := map[string][]any{}
		for i, item := range val {
			flatten(prefix+"["+strconv.Itoa(i)+"]", item, out)
			item = normalize(item)
			switch it := item.(type) {
			case nil:
			case map[string]any:
				for k, fv := range it {
					if k == "length" {
						continue
					}
					if s, ok := scalar(normalize(fv)); ok {
						projections[k] = append(projections[k], s)
					}
				}
			case []any:
			default:
				scalars = append(scalars, it)
			}
		}
		if len(scalars) > 0 {
			out[prefix] = scalars
		}
		for k, vals := range projections {
			out[prefix+"."+k] = vals
		}
	default:
		out[prefix] = val
	}
}

func scalar(v any) (any, bool) {
	switch v.(type) {
	case nil, map[string]any, []any:
		return nil, false
	}
	return v, true
}

// normalize maps the assorted Go shapes claim data arrives in onto the
// JSON shapes flatten understands: map[string]any, []any, float64, string, bool.
func normalize(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case map[string]any, []any, string, bool, float64:
		return val
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case time.Time:
		return timeValue(val)
	case *time.Time:
		if val == nil {
			return nil
		}
		return timeValue(*val)
	case fmt.Stringer:
		return val.String()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return normalize(rv.Elem().Interface())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint())
	case reflect.Float32:
		return rv.Float()
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return fmt.Sprint(v)
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return out
	}
	return fmt.Sprint(v)
}
