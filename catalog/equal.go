package catalog

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FieldEquals compares a stored field value with a freshly computed one.
// Stored values come back from PocketBase as float64 numbers, bools,
// types.DateTime and types.JSONRaw; new values are plain Go values.
//
//nolint:gocyclo // type comparison needs many branches
func FieldEquals(existingValue, newValue any) bool {
	if (existingValue == nil && newValue == "") || (existingValue == "" && newValue == nil) {
		return true
	}
	if existingValue == nil && newValue == 0 {
		return true
	}

	// Slices and maps are compared as JSON
	switch newValue.(type) {
	case []string, []any, map[string]any:
		b, err := json.Marshal(newValue)
		if err != nil {
			return false
		}
		newValue = string(b)
	}

	var existingStr string
	existingIsStr := false
	switch v := existingValue.(type) {
	case string:
		existingStr, existingIsStr = v, true
	case []byte:
		existingStr, existingIsStr = string(v), true
	case fmt.Stringer:
		existingStr, existingIsStr = v.String(), true
	}

	if newStr, ok := newValue.(string); ok && existingIsStr {
		if looksLikeJSON(existingStr) && looksLikeJSON(newStr) {
			return jsonEqual(existingStr, newStr)
		}
		if looksLikeDate(existingStr) && looksLikeDate(newStr) {
			return normalizeDateString(existingStr) == normalizeDateString(newStr)
		}
		if existingStr == "null" && newStr == "" {
			return true
		}
		return existingStr == newStr
	}

	switch e := existingValue.(type) {
	case float64:
		switch n := newValue.(type) {
		case int:
			return e == float64(n)
		case float64:
			return e == n
		case bool:
			return (e != 0) == n
		}
	case int:
		switch n := newValue.(type) {
		case int:
			return e == n
		case float64:
			return float64(e) == n
		}
	case bool:
		switch n := newValue.(type) {
		case bool:
			return e == n
		case float64:
			return e == (n != 0)
		}
	}

	return existingValue == newValue
}

func looksLikeJSON(s string) bool {
	t := strings.TrimSpace(s)
	return strings.HasPrefix(t, "{") || strings.HasPrefix(t, "[")
}

func looksLikeDate(s string) bool {
	return strings.Contains(s, "-") && strings.Contains(s, ":")
}

func jsonEqual(a, b string) bool {
	var av, bv any
	if err := json.Unmarshal([]byte(a), &av); err != nil {
		return false
	}
	if err := json.Unmarshal([]byte(b), &bv); err != nil {
		return false
	}
	ab, _ := json.Marshal(av)
	bb, _ := json.Marshal(bv)
	return string(ab) == string(bb)
}

// normalizeDateString drops fractional seconds, the T separator and the
// zone suffix so "2024-01-15T10:00:00.000Z" equals "2024-01-15 10:00:00"
func normalizeDateString(dateStr string) string {
	result := dateStr

	if idx := strings.Index(result, "."); idx != -1 {
		endIdx := idx + 1
		for endIdx < len(result) && result[endIdx] >= '0' && result[endIdx] <= '9' {
			endIdx++
		}
		result = result[:idx] + result[endIdx:]
	}

	result = strings.Replace(result, "T", " ", 1)
	result = strings.TrimSuffix(result, "Z")

	if len(result) > 6 {
		lastSix := result[len(result)-6:]
		if (lastSix[0] == '+' || lastSix[0] == '-') && lastSix[3] == ':' {
			result = result[:len(result)-6]
		}
	}

	return strings.TrimSpace(result)
}
