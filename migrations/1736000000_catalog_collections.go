package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
	"github.com/pocketbase/pocketbase/tools/types"
)

// Collection names
const (
	CollectionVehicles     = "vehicles"
	CollectionParts        = "parts"
	CollectionVehicleParts = "vehicle_parts"
)

func init() {
	m.Register(func(app core.App) error {
		vehicles := core.NewBaseCollection(CollectionVehicles)
		vehicles.ListRule = types.Pointer("activo = true")
		vehicles.ViewRule = types.Pointer("activo = true")
		vehicles.Fields.Add(
			&core.NumberField{Name: "id_local", OnlyInt: true},
			&core.NumberField{Name: "id_empresa", OnlyInt: true},
			&core.TextField{Name: "marca"},
			&core.TextField{Name: "modelo"},
			&core.TextField{Name: "version"},
			&core.NumberField{Name: "anyo", OnlyInt: true},
			&core.TextField{Name: "descripcion"},
			&core.TextField{Name: "combustible"},
			&core.TextField{Name: "bastidor"},
			&core.TextField{Name: "matricula"},
			&core.TextField{Name: "color"},
			&core.NumberField{Name: "kilometraje", OnlyInt: true},
			&core.NumberField{Name: "potencia", OnlyInt: true},
			&core.NumberField{Name: "puertas", OnlyInt: true},
			&core.JSONField{Name: "imagenes"},
			&core.DateField{Name: "fecha_mod"},
			&core.BoolField{Name: "activo"},
			&core.NumberField{Name: "active_parts_count", OnlyInt: true},
			&core.NumberField{Name: "total_parts_count", OnlyInt: true},
			&core.DateField{Name: "last_api_confirmation"},
			&core.AutodateField{Name: "created", OnCreate: true},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)
		vehicles.AddIndex("idx_vehicles_id_local", true, "id_local", "")
		vehicles.AddIndex("idx_vehicles_marca", false, "marca", "")
		if err := app.Save(vehicles); err != nil {
			return err
		}

		parts := core.NewBaseCollection(CollectionParts)
		parts.ListRule = types.Pointer("activo = true")
		parts.ViewRule = types.Pointer("activo = true")
		parts.Fields.Add(
			&core.NumberField{Name: "ref_local", OnlyInt: true},
			&core.NumberField{Name: "id_empresa", OnlyInt: true},
			&core.NumberField{Name: "id_vehiculo", OnlyInt: true},
			&core.TextField{Name: "cod_familia"},
			&core.TextField{Name: "descripcion_familia"},
			&core.TextField{Name: "cod_articulo"},
			&core.TextField{Name: "descripcion_articulo"},
			&core.TextField{Name: "ref_principal"},
			&core.NumberField{Name: "precio"},
			&core.BoolField{Name: "has_price"},
			&core.NumberField{Name: "anyo_inicio", OnlyInt: true},
			&core.NumberField{Name: "anyo_fin", OnlyInt: true},
			&core.NumberField{Name: "anyo_stock", OnlyInt: true},
			&core.NumberField{Name: "puertas", OnlyInt: true},
			&core.NumberField{Name: "peso", OnlyInt: true},
			&core.NumberField{Name: "ubicacion", OnlyInt: true},
			&core.NumberField{Name: "reserva", OnlyInt: true},
			&core.NumberField{Name: "tipo_material", OnlyInt: true},
			&core.TextField{Name: "observaciones"},
			&core.TextField{Name: "rv_code"},
			&core.TextField{Name: "cod_version"},
			&core.TextField{Name: "situacion"},
			&core.JSONField{Name: "imagenes"},
			&core.DateField{Name: "fecha_mod"},
			&core.BoolField{Name: "activo"},
			&core.BoolField{Name: "disponible_api"},
			&core.BoolField{Name: "is_pending_relation"},
			&core.TextField{Name: "vehicle_marca"},
			&core.TextField{Name: "vehicle_modelo"},
			&core.TextField{Name: "vehicle_version"},
			&core.NumberField{Name: "vehicle_anyo", OnlyInt: true},
			&core.TextField{Name: "combustible"},
			&core.DateField{Name: "last_api_confirmation"},
			&core.AutodateField{Name: "created", OnCreate: true},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)
		parts.AddIndex("idx_parts_ref_local", true, "ref_local", "")
		parts.AddIndex("idx_parts_id_vehiculo", false, "id_vehiculo", "")
		parts.AddIndex("idx_parts_activo", false, "activo", "")
		parts.AddIndex("idx_parts_pending", false, "is_pending_relation", "")
		if err := app.Save(parts); err != nil {
			return err
		}

		links := core.NewBaseCollection(CollectionVehicleParts)
		links.Fields.Add(
			&core.RelationField{
				Name:          "vehicle",
				CollectionId:  vehicles.Id,
				CascadeDelete: true,
				MaxSelect:     1,
				Required:      true,
			},
			&core.RelationField{
				Name:          "part",
				CollectionId:  parts.Id,
				CascadeDelete: true,
				MaxSelect:     1,
				Required:      true,
			},
			&core.NumberField{Name: "id_vehiculo_original", OnlyInt: true},
			&core.AutodateField{Name: "created", OnCreate: true},
		)
		links.AddIndex("idx_vehicle_parts_pair", true, "vehicle, part", "")
		return app.Save(links)
	}, func(app core.App) error {
		for _, name := range []string{CollectionVehicleParts, CollectionParts, CollectionVehicles} {
			collection, err := app.FindCollectionByNameOrId(name)
			if err != nil {
				continue
			}
			if err := app.Delete(collection); err != nil {
				return err
			}
		}
		return nil
	})
}
