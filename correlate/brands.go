package correlate

import (
	_ "embed"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

//go:embed brands.yaml
var brandsYAML []byte

// Brand is one canonical brand with the spellings that identify it
type Brand struct {
	Name       string   `yaml:"name"`
	Variations []string `yaml:"variations"`
}

type variation struct {
	brand string
	word  *regexp.Regexp
	model *regexp.Regexp
}

// BrandTable matches folded text against brand variations in table order
type BrandTable struct {
	brands     []Brand
	variations []variation
}

var (
	defaultTable     *BrandTable
	defaultTableOnce sync.Once
)

// DefaultBrands returns the embedded brand table
func DefaultBrands() *BrandTable {
	defaultTableOnce.Do(func() {
		t, err := ParseBrandTable(brandsYAML)
		if err != nil {
			panic(fmt.Sprintf("embedded brands.yaml: %v", err))
		}
		defaultTable = t
	})
	return defaultTable
}

// ParseBrandTable loads a table from YAML
func ParseBrandTable(data []byte) (*BrandTable, error) {
	var doc struct {
		Brands []Brand `yaml:"brands"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing brand table: %w", err)
	}

	t := &BrandTable{brands: doc.Brands}
	for _, b := range doc.Brands {
		if b.Name == "" {
			return nil, fmt.Errorf("brand without name")
		}
		for _, v := range b.Variations {
			q := regexp.QuoteMeta(Fold(v))
			t.variations = append(t.variations, variation{
				brand: Fold(b.Name),
				word:  regexp.MustCompile(`(?:^|[^A-Z0-9])` + q + `(?:$|[^A-Z0-9])`),
				model: regexp.MustCompile(q + `\s+([A-Z0-9\s.\-]+)`),
			})
		}
	}
	return t, nil
}

// Brands returns the canonical brands in table order
func (t *BrandTable) Brands() []Brand {
	return t.brands
}

// Match finds the first variation present as a whole word in text and reads
// up to three model words following it
func (t *BrandTable) Match(text string) (brand, model string, ok bool) {
	folded := Fold(text)
	for _, v := range t.variations {
		if !v.word.MatchString(folded) {
			continue
		}
		if m := v.model.FindStringSubmatch(folded); m != nil {
			words := strings.Fields(m[1])
			if len(words) > 3 {
				words = words[:3]
			}
			if candidate := strings.Join(words, " "); len(candidate) > 1 {
				model = candidate
			}
		}
		return v.brand, model, true
	}
	return "", "", false
}

var foldChain = sync.Pool{
	New: func() any {
		return transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	},
}

// Fold upper-cases s and strips diacritics, so "Škoda" becomes "SKODA"
func Fold(s string) string {
	t := foldChain.Get().(transform.Transformer)
	defer foldChain.Put(t)

	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToUpper(strings.TrimSpace(out))
}
