package normalize

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// ErrMissingRefLocal is returned for parts without their natural key
var ErrMissingRefLocal = errors.New("part without refLocal")

// Year bounds used when a part carries no compatibility range
const (
	DefaultAnyoInicio = 2000
	DefaultAnyoFin    = 2050
)

// VehicleInfo is the vehicle data denormalized onto a part
type VehicleInfo struct {
	Marca       string
	Modelo      string
	Version     string
	Anyo        int
	Combustible string
}

// IsZero reports whether no vehicle data was resolved
func (v VehicleInfo) IsZero() bool {
	return v.Marca == "" && v.Modelo == "" && v.Version == "" && v.Anyo == 0 && v.Combustible == ""
}

// Part is the canonical part shape written to the parts collection
type Part struct {
	RefLocal            int
	IDEmpresa           int
	IDVehiculo          int
	CodFamilia          string
	DescripcionFamilia  string
	CodArticulo         string
	DescripcionArticulo string
	RefPrincipal        string
	Precio              decimal.Decimal
	AnyoInicio          int
	AnyoFin             int
	AnyoStock           int
	Puertas             int
	Peso                int
	Ubicacion           int
	Reserva             int
	TipoMaterial        int
	Observaciones       string
	RVCode              string
	CodVersion          string
	Situacion           string
	Imagenes            []string
	FechaMod            time.Time
	Activo              bool
	HasPrice            bool // raw price was non-zero, before cents truncation
	Vehicle             VehicleInfo
}

// IsProcessedVehicle reports whether the part hangs off a synthetic vehicle id
func (p Part) IsProcessedVehicle() bool {
	return p.IDVehiculo < 0
}

// NormalizePart maps a raw part record; vehicle carries the resolved vehicle data
func NormalizePart(raw Record, companyID int, vehicle VehicleInfo) (Part, error) {
	refLocal, ok := Int(First(raw, "refLocal", "RefLocal"))
	if !ok || refLocal == 0 {
		return Part{}, ErrMissingRefLocal
	}

	title := StringOr(raw, "", "descripcionArticulo", "descripcion")
	if utf8.RuneCountInString(title) < 3 {
		title = fmt.Sprintf("Pieza ID %d", refLocal)
	}

	anyoStock := IntOr(raw, 0, "anyoStock")
	rawPrice := First(raw, "precio", "Precio")
	part := Part{
		RefLocal:            refLocal,
		IDEmpresa:           IntOr(raw, companyID, "idEmpresa", "IdEmpresa"),
		IDVehiculo:          IntOr(raw, 0, "idVehiculo", "IdVehiculo"),
		CodFamilia:          StringOr(raw, "", "codFamilia", "familia"),
		DescripcionFamilia:  StringOr(raw, "General", "descripcionFamilia"),
		CodArticulo:         StringOr(raw, "", "codArticulo"),
		DescripcionArticulo: title,
		RefPrincipal:        StringOr(raw, "", "refPrincipal"),
		Precio:              ParsePrice(rawPrice),
		HasPrice:            !rawCents(rawPrice).IsZero(),
		AnyoInicio:          IntOr(raw, DefaultAnyoInicio, "anyoInicio", "anyoStock"),
		AnyoFin:             IntOr(raw, DefaultAnyoFin, "anyoFin", "anyoStock"),
		AnyoStock:           anyoStock,
		Puertas:             IntOr(raw, 0, "puertas"),
		Peso:                IntOr(raw, 0, "peso"),
		Ubicacion:           IntOr(raw, 0, "ubicacion"),
		Reserva:             IntOr(raw, 0, "reserva"),
		TipoMaterial:        IntOr(raw, 0, "tipoMaterial"),
		Observaciones:       StringOr(raw, "", "observaciones"),
		RVCode:              StringOr(raw, "", "rvCode"),
		CodVersion:          StringOr(raw, "", "codVersion"),
		Situacion:           StringOr(raw, "almacenada", "situacion", "Situacion"),
		Imagenes:            Images(raw),
		FechaMod:            ParseDate(First(raw, "fechaMod", "FechaMod")),
		Vehicle:             vehicle,
	}
	part.Activo = PartIsActive(part.Situacion, part.DescripcionArticulo, part.IDVehiculo, part.HasPrice)

	return part, nil
}

// ParsePrice reads an upstream price expressed in cents. Decimal commas are
// accepted, fractions of a cent are truncated and anything unparseable is 0.
func ParsePrice(v any) decimal.Decimal {
	return rawCents(v).Truncate(0).Div(decimal.NewFromInt(100))
}

func rawCents(v any) decimal.Decimal {
	s := String(v)
	if s == "" {
		return decimal.Zero
	}
	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	}
	cents, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return cents
}

var inactiveSituations = map[string]bool{
	"vendida":   true,
	"baja":      true,
	"eliminada": true,
}

// PartIsActive applies the visibility rules in order: withdrawn situations
// and unidentified titles are hidden, parts of processed vehicles are always
// shown, and everything else needs a non-zero raw price.
func PartIsActive(situacion, title string, idVehiculo int, hasPrice bool) bool {
	if inactiveSituations[strings.ToLower(strings.TrimSpace(situacion))] {
		return false
	}
	lower := strings.ToLower(title)
	if strings.Contains(lower, "no identificado") || strings.Contains(lower, "no identificada") {
		return false
	}
	if idVehiculo < 0 {
		return true
	}
	return hasPrice
}
