package metasync

import (
	"sort"
	"strings"

	"github.com/desguace/partsync/normalize"
)

// Known locations of the record arrays. The API has shipped all of these.
var (
	vehiclePaths = [][]string{
		{"data", "vehiculos"},
		{"vehiculos"},
		{"elements"},
		{"data"},
	}
	partPaths = [][]string{
		{"data", "piezas"},
		{"piezas"},
		{"elements"},
		{"data"},
		{"items"},
		{"Partes"},
		{"data", "Partes"},
		{"canal", "piezas"},
	}
	embeddedVehiclePaths = [][]string{
		{"vehiculos"},
		{"data", "vehiculos"},
	}
)

const maxSearchDepth = 3

func parseVehiclePage(body map[string]any, cursor Cursor) *Page {
	items, ok := firstArray(body, vehiclePaths)
	if !ok {
		items = firstTopLevelArray(body)
	}
	return buildPage(body, toRecords(items), nil, cursor)
}

func parsePartPage(body map[string]any, cursor Cursor) *Page {
	items, ok := firstArray(body, partPaths)
	if !ok {
		items = searchObjectArray(body, 0)
	}
	vehicles, _ := firstArray(body, embeddedVehiclePaths)
	return buildPage(body, toRecords(items), toRecords(vehicles), cursor)
}

func buildPage(body map[string]any, items, vehicles []Record, cursor Cursor) *Page {
	page := &Page{
		Items:    items,
		Vehicles: vehicles,
		RawCount: len(items),
		LastID:   cursor.LastID,
	}

	meta := metaSection(body)
	if meta != nil {
		if id, ok := normalize.Int(meta["lastId"]); ok && id != 0 {
			page.LastID = id
		} else if id := lastItemID(items); id != 0 {
			page.LastID = id
		}
		page.HasMore = boolValue(meta["masRegistros"])
		page.Total, _ = normalize.Int(meta["total"])
	} else if id := lastItemID(items); id != 0 {
		page.LastID = id
	}

	return page
}

// metaSection returns result_set, or paginacion when result_set is absent
func metaSection(body map[string]any) map[string]any {
	for _, key := range []string{"result_set", "paginacion"} {
		if m, ok := body[key].(map[string]any); ok {
			return m
		}
	}
	return nil
}

func lastItemID(items []Record) int {
	if len(items) == 0 {
		return 0
	}
	last := items[len(items)-1]
	id, _ := normalize.Int(normalize.First(last, "idLocal", "refLocal", "id"))
	return id
}

func boolValue(v any) *bool {
	var b bool
	switch t := v.(type) {
	case bool:
		b = t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "si", "sí":
			b = true
		case "false", "0", "no":
			b = false
		default:
			return nil
		}
	default:
		n, ok := normalize.Int(v)
		if !ok {
			return nil
		}
		b = n != 0
	}
	return &b
}

func lookupPath(body map[string]any, path []string) (any, bool) {
	var cur any = body
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// firstArray returns the array at the first path that holds one
func firstArray(body map[string]any, paths [][]string) ([]any, bool) {
	for _, p := range paths {
		v, ok := lookupPath(body, p)
		if !ok {
			continue
		}
		if arr, isArr := v.([]any); isArr {
			return arr, true
		}
	}
	return nil, false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func firstTopLevelArray(body map[string]any) []any {
	for _, k := range sortedKeys(body) {
		if arr, ok := body[k].([]any); ok && len(arr) > 0 {
			return arr
		}
	}
	return nil
}

// searchObjectArray walks nested objects looking for a non-empty array of
// objects, skipping embedded vehicle lists
func searchObjectArray(node map[string]any, depth int) []any {
	if depth > maxSearchDepth {
		return nil
	}
	keys := sortedKeys(node)
	for _, k := range keys {
		if strings.EqualFold(k, "vehiculos") {
			continue
		}
		if arr, ok := node[k].([]any); ok && len(arr) > 0 {
			if _, isObj := arr[0].(map[string]any); isObj {
				return arr
			}
		}
	}
	for _, k := range keys {
		if child, ok := node[k].(map[string]any); ok {
			if found := searchObjectArray(child, depth+1); found != nil {
				return found
			}
		}
	}
	return nil
}

func toRecords(items []any) []Record {
	out := make([]Record, 0, len(items))
	for _, it := range items {
		if m, ok := it.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
