// Package dur queries the DUR (drug utilization review) contraindication
// service and flattens its loosely shaped JSON responses into records.
package dur

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Record is one canonical contraindication row.
type Record struct {
	Ingredient string
	Product    string
	Reason     string
}

// Empty reports whether all three fields are empty.
func (r Record) Empty() bool {
	return r.Ingredient == "" && r.Product == "" && r.Reason == ""
}

// Fields maps the record columns to response keys.
type Fields struct {
	Ingredient string
	Product    string
	Reason     string
}

// DURFields are the keys used by the combined-use contraindication service.
var DURFields = Fields{
	Ingredient: "MIXTURE_INGR_KOR_NAME",
	Product:    "MIXTURE_ITEM_NAME",
	Reason:     "PROHBT_CONTENT",
}

// Strategy is a key path leading to the items value.
type Strategy []string

// Strategies are the item locations tried, in order.
var Strategies = []Strategy{
	{"response", "body", "items"},
	{"body", "items"},
	{"items"},
}

// Normalizer extracts records from decoded JSON. The zero value uses
// DURFields and Strategies.
type Normalizer struct {
	Fields     Fields
	Strategies []Strategy
}

var defaultNormalizer Normalizer

// Normalize extracts records from v using the default Normalizer.
func Normalize(v any) []Record { return defaultNormalizer.Normalize(v) }

// NormalizeJSON decodes data and extracts records using the default
// Normalizer. Malformed input yields no records.
func NormalizeJSON(data []byte) []Record { return defaultNormalizer.NormalizeJSON(data) }

// NormalizeJSON decodes data and extracts records. Malformed input yields no
// records.
func (n Normalizer) NormalizeJSON(data []byte) []Record {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	return n.Normalize(v)
}

// Normalize resolves the items list in v and extracts one record per element,
// preserving order. Elements whose fields are all empty are dropped. An
// unrecognized shape yields no records.
func (n Normalizer) Normalize(v any) []Record {
	fields := n.Fields
	if fields == (Fields{}) {
		fields = DURFields
	}
	strategies := n.Strategies
	if len(strategies) == 0 {
		strategies = Strategies
	}

	var items any
	for _, path := range strategies {
		if found, ok := lookup(v, path); ok && found != nil {
			items = found
			break
		}
	}

	var records []Record
	for _, elem := range asList(items) {
		obj, ok := elem.(map[string]any)
		if !ok {
			continue
		}
		rec := Record{
			Ingredient: coerce(obj[fields.Ingredient]),
			Product:    coerce(obj[fields.Product]),
			Reason:     coerce(obj[fields.Reason]),
		}
		if rec.Empty() {
			continue
		}
		records = append(records, rec)
	}
	return records
}

func lookup(v any, path Strategy) (any, bool) {
	cur := v
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// asList unwraps {"item": ...} and promotes a single object to a list.
func asList(items any) []any {
	switch t := items.(type) {
	case []any:
		return t
	case map[string]any:
		switch inner := t["item"].(type) {
		case []any:
			return inner
		case map[string]any:
			return []any{inner}
		}
		return []any{t}
	default:
		return nil
	}
}

func coerce(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}
