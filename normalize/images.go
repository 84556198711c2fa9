package normalize

import (
	"encoding/json"
	"strings"
)

// PlaceholderImage replaces an empty image list
const PlaceholderImage = "https://via.placeholder.com/150?text=Sin+Imagen"

var imageKeys = []string{"imagenes", "UrlsImgs", "urlsImgs", "Imagenes"}

// Images extracts image URLs from the first present image key, falling back
// to the placeholder when nothing usable is found
func Images(raw Record) []string {
	var value any
	for _, k := range imageKeys {
		if v, ok := raw[k]; ok && v != nil {
			value = v
			break
		}
	}

	urls := dedupeURLs(collectURLs(value))
	if len(urls) == 0 {
		return []string{PlaceholderImage}
	}
	return urls
}

func collectURLs(value any) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			switch it := item.(type) {
			case string:
				out = append(out, it)
			case map[string]any:
				out = append(out, StringOr(it, "", "url", "Url", "URL", "src"))
			}
		}
		return out
	case string:
		s := strings.TrimSpace(v)
		if strings.HasPrefix(s, "[") {
			var arr []any
			if err := json.Unmarshal([]byte(s), &arr); err == nil {
				return collectURLs(arr)
			}
		}
		return strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' })
	}
	return nil
}

func dedupeURLs(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, u := range in {
		u = strings.TrimSpace(u)
		lower := strings.ToLower(u)
		if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
			continue
		}
		if seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}
