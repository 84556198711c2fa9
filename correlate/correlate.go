// Package correlate works out which vehicle a part belongs to.
//
// Parts of physical vehicles carry a positive idVehiculo that points at a
// vehicle row (or a vehicle embedded in the same response). Parts of
// processed vehicles carry a negative synthetic id, so their brand and model
// have to be read out of the part's own descriptions.
package correlate

import (
	"regexp"
	"strings"

	"github.com/desguace/partsync/normalize"
)

// Source identifies the rule that produced a vehicle match
type Source string

const (
	SourceBatch      Source = "batch"
	SourceDatabase   Source = "database"
	SourcePattern    Source = "pattern"
	SourceFamily     Source = "family"
	SourceFamilyCode Source = "family_code"
	SourceNone       Source = "none"
)

// Result is the resolved vehicle data and where it came from
type Result struct {
	Info   normalize.VehicleInfo
	Source Source
}

// VehicleLookup finds stored vehicles by their upstream id
type VehicleLookup interface {
	VehicleByIDLocal(idLocal int) (normalize.VehicleInfo, bool)
}

// Families that describe a part category rather than a vehicle
var genericFamilyTokens = []string{
	"GENERICO", "ELECTRICIDAD", "CARROCERIA", "INTERIOR", "SUSPENSION",
	"FRENOS", "DIRECCION", "TRANSMISION", "MOTOR", "ADMISION", "ESCAPE",
	"ALUMBRADO", "CLIMATIZACION", "ACCESORIOS", "CAMBIO", "EMBRAGUE",
	"COMBUSTIBLE", "ACEITE", "REFRIGERACION",
}

var invalidFamilyCodes = []string{"GEN", "GENERAL", "SIN", "NO", "NA", "NULL"}

var numericOnly = regexp.MustCompile(`^\d+$`)

// Correlator resolves vehicle info for parts
type Correlator struct {
	brands *BrandTable
}

// New creates a Correlator; a nil table selects the embedded one
func New(brands *BrandTable) *Correlator {
	if brands == nil {
		brands = DefaultBrands()
	}
	return &Correlator{brands: brands}
}

// IndexVehicles keys embedded vehicle records by idLocal (or id)
func IndexVehicles(records []normalize.Record) map[int]normalize.Record {
	index := make(map[int]normalize.Record, len(records))
	for _, r := range records {
		if id, ok := normalize.Int(normalize.First(r, "idLocal", "id")); ok && id != 0 {
			index[id] = r
		}
	}
	return index
}

// Resolve tries the in-batch vehicles, then the local vehicle rows, and for
// processed vehicles falls back to reading the descriptions
func (c *Correlator) Resolve(part normalize.Record, batchVehicles map[int]normalize.Record, lookup VehicleLookup) Result {
	idVehiculo := normalize.IntOr(part, 0, "idVehiculo", "IdVehiculo")

	if idVehiculo != 0 {
		if raw, ok := batchVehicles[idVehiculo]; ok {
			return Result{Info: InfoFromRecord(raw), Source: SourceBatch}
		}
	}

	if idVehiculo > 0 && lookup != nil {
		if info, ok := lookup.VehicleByIDLocal(idVehiculo); ok {
			return Result{Info: info, Source: SourceDatabase}
		}
	}

	if idVehiculo < 0 {
		return c.MatchDescription(
			normalize.StringOr(part, "", "descripcionFamilia"),
			normalize.StringOr(part, "", "descripcionArticulo", "descripcion"),
			normalize.StringOr(part, "", "observaciones"),
			normalize.StringOr(part, "", "codFamilia", "familia"),
		)
	}

	return Result{Source: SourceNone}
}

// MatchDescription reads a brand and model out of part descriptions
func (c *Correlator) MatchDescription(familia, articulo, observaciones, codFamilia string) Result {
	text := strings.Join([]string{familia, articulo, observaciones}, " ")
	if brand, model, ok := c.brands.Match(text); ok {
		return Result{Info: normalize.VehicleInfo{Marca: brand, Modelo: model}, Source: SourcePattern}
	}

	if len(familia) > 3 && !isGenericFamily(familia) {
		var words []string
		for _, w := range strings.Fields(familia) {
			if len(w) > 1 {
				words = append(words, w)
			}
		}
		if len(words) >= 2 {
			return Result{
				Info:   normalize.VehicleInfo{Marca: words[0], Modelo: strings.Join(words[1:], " ")},
				Source: SourceFamily,
			}
		}
		if len(words) == 1 && len(words[0]) > 3 {
			return Result{Info: normalize.VehicleInfo{Marca: words[0]}, Source: SourceFamily}
		}
	}

	code := strings.TrimSpace(codFamilia)
	if len(code) > 1 && !numericOnly.MatchString(code) && !containsAny(Fold(code), invalidFamilyCodes) {
		return Result{Info: normalize.VehicleInfo{Marca: code}, Source: SourceFamilyCode}
	}

	return Result{Source: SourceNone}
}

// Brands exposes the table in use
func (c *Correlator) Brands() *BrandTable {
	return c.brands
}

// InfoFromRecord reads vehicle fields from a raw vehicle without defaults
func InfoFromRecord(raw normalize.Record) normalize.VehicleInfo {
	return normalize.VehicleInfo{
		Marca:       normalize.StringOr(raw, "", "nombreMarca", "marca", "Marca"),
		Modelo:      normalize.StringOr(raw, "", "nombreModelo", "modelo", "Modelo"),
		Version:     normalize.StringOr(raw, "", "nombreVersion", "codVersion", "version", "Version"),
		Anyo:        normalize.IntOr(raw, 0, "anyoVehiculo", "AnyoVehiculo", "anyo", "Anyo"),
		Combustible: normalize.StringOr(raw, "", "combustible", "Combustible"),
	}
}

// IsGenericBrand reports whether brand is empty or only names a part family
func IsGenericBrand(brand string) bool {
	folded := Fold(brand)
	switch folded {
	case "", "GENERAL", "DESCONOCIDA", "DESCONOCIDO":
		return true
	}
	return isGenericFamily(folded)
}

func isGenericFamily(familia string) bool {
	return containsAny(Fold(familia), genericFamilyTokens)
}

func containsAny(s string, tokens []string) bool {
	for _, tok := range tokens {
		if strings.Contains(s, tok) {
			return true
		}
	}
	return false
}
