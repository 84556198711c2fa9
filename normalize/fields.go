// Package normalize maps raw MetaSync records onto canonical vehicles and parts.
//
// Upstream field names drift between API versions (nombreMarca vs marca vs
// Marca, UrlsImgs vs imagenes, ...). Every accessor here takes a list of
// candidate keys and returns the first non-empty value.
package normalize

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Record is one raw object decoded from the API
type Record = map[string]any

// First returns the first value under keys that is not nil or blank
func First(raw Record, keys ...string) any {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			continue
		}
		return v
	}
	return nil
}

// String renders a scalar as trimmed text; nil becomes ""
func String(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// Int converts numbers and numeric strings, truncating fractions
func Int(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n), true
		}
		if f, err := t.Float64(); err == nil {
			return int(f), true
		}
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		if n, err := strconv.Atoi(s); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64); err == nil {
			return int(f), true
		}
	}
	return 0, false
}

// IntOr returns the first key that parses as an int, or fallback
func IntOr(raw Record, fallback int, keys ...string) int {
	for _, k := range keys {
		if n, ok := Int(raw[k]); ok {
			return n
		}
	}
	return fallback
}

// StringOr returns the first non-empty string under keys, or fallback
func StringOr(raw Record, fallback string, keys ...string) string {
	for _, k := range keys {
		if s := String(raw[k]); s != "" {
			return s
		}
	}
	return fallback
}

var dateLayouts = []string{
	"02/01/2006 15:04:05",
	"02/01/2006",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseDate reads the date formats seen in fechaMod; the zero time means unknown
func ParseDate(v any) time.Time {
	s := String(v)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t
		}
	}
	return time.Time{}
}
