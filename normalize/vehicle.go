package normalize

import (
	"errors"
	"fmt"
	"time"
)

// ErrMissingIDLocal is returned for vehicles without their natural key
var ErrMissingIDLocal = errors.New("vehicle without idLocal")

// Vehicle is the canonical vehicle shape written to the vehicles collection
type Vehicle struct {
	IDLocal     int
	IDEmpresa   int
	Marca       string
	Modelo      string
	Version     string
	Anyo        int
	Descripcion string
	Combustible string
	Bastidor    string
	Matricula   string
	Color       string
	Kilometraje int
	Potencia    int
	Puertas     int
	Imagenes    []string
	FechaMod    time.Time
	Activo      bool
}

// NormalizeVehicle maps a raw vehicle record
func NormalizeVehicle(raw Record, companyID int) (Vehicle, error) {
	idLocal, ok := Int(First(raw, "idLocal", "IdLocal"))
	if !ok || idLocal == 0 {
		return Vehicle{}, ErrMissingIDLocal
	}

	return Vehicle{
		IDLocal:     idLocal,
		IDEmpresa:   IntOr(raw, companyID, "idEmpresa", "IdEmpresa"),
		Marca:       StringOr(raw, "Desconocida", "nombreMarca", "marca", "Marca"),
		Modelo:      StringOr(raw, "Desconocido", "nombreModelo", "modelo", "Modelo"),
		Version:     StringOr(raw, "", "nombreVersion", "codVersion", "version", "Version"),
		Anyo:        IntOr(raw, 0, "anyoVehiculo", "AnyoVehiculo", "anyo", "Anyo"),
		Descripcion: StringOr(raw, fmt.Sprintf("REF-%d", idLocal), "codigo", "Codigo"),
		Combustible: StringOr(raw, "", "combustible", "Combustible"),
		Bastidor:    StringOr(raw, "", "bastidor", "Bastidor"),
		Matricula:   StringOr(raw, "", "matricula", "Matricula"),
		Color:       StringOr(raw, "", "color", "Color"),
		Kilometraje: IntOr(raw, 0, "kilometraje", "Kilometraje"),
		Potencia:    IntOr(raw, 0, "potenciaHP", "potenciaKW", "Potencia"),
		Puertas:     IntOr(raw, 0, "puertas", "Puertas"),
		Imagenes:    Images(raw),
		FechaMod:    ParseDate(First(raw, "fechaMod", "FechaMod")),
		Activo:      true,
	}, nil
}

// Info projects the vehicle onto the fields copied into parts
func (v Vehicle) Info() VehicleInfo {
	return VehicleInfo{
		Marca:       v.Marca,
		Modelo:      v.Modelo,
		Version:     v.Version,
		Anyo:        v.Anyo,
		Combustible: v.Combustible,
	}
}
