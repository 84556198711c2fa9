package metasync

import (
	"testing"
)

func mustDecode(t *testing.T, s string) map[string]any {
	t.Helper()
	body, err := decode([]byte(s))
	if err != nil {
		t.Fatalf("decode(%s) error = %v", s, err)
	}
	return body
}

func TestParseVehiclePage_ShapeDrift(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantCount int
	}{
		{"data.vehiculos", `{"data":{"vehiculos":[{"idLocal":1},{"idLocal":2}]}}`, 2},
		{"vehiculos", `{"vehiculos":[{"idLocal":1}]}`, 1},
		{"elements", `{"elements":[{"idLocal":1},{"idLocal":2},{"idLocal":3}]}`, 3},
		{"data array", `{"data":[{"idLocal":1}]}`, 1},
		{"bare array", `[{"idLocal":1},{"idLocal":2}]`, 2},
		{"unknown key", `{"coches":[{"idLocal":1}],"meta":[]}`, 1},
		{"empty", `{"vehiculos":[]}`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := parseVehiclePage(mustDecode(t, tt.body), Cursor{})
			if len(page.Items) != tt.wantCount {
				t.Errorf("len(Items) = %d, want %d", len(page.Items), tt.wantCount)
			}
			if page.RawCount != tt.wantCount {
				t.Errorf("RawCount = %d, want %d", page.RawCount, tt.wantCount)
			}
		})
	}
}

func TestParsePartPage_ShapeDrift(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		wantCount    int
		wantVehicles int
	}{
		{"piezas with vehiculos", `{"piezas":[{"refLocal":1}],"vehiculos":[{"idLocal":9}]}`, 1, 1},
		{"data.piezas", `{"data":{"piezas":[{"refLocal":1},{"refLocal":2}],"vehiculos":[{"idLocal":9}]}}`, 2, 1},
		{"items", `{"items":[{"refLocal":1}]}`, 1, 0},
		{"Partes", `{"Partes":[{"refLocal":1}]}`, 1, 0},
		{"data.Partes", `{"data":{"Partes":[{"refLocal":1}]}}`, 1, 0},
		{"canal.piezas", `{"canal":{"piezas":[{"refLocal":1}]}}`, 1, 0},
		{"nested search skips vehicles", `{"respuesta":{"vehiculos":[{"idLocal":9}],"lista":[{"refLocal":1},{"refLocal":2}]}}`, 2, 0},
		{"nothing", `{"estado":"ok"}`, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := parsePartPage(mustDecode(t, tt.body), Cursor{})
			if len(page.Items) != tt.wantCount {
				t.Errorf("len(Items) = %d, want %d", len(page.Items), tt.wantCount)
			}
			if len(page.Vehicles) != tt.wantVehicles {
				t.Errorf("len(Vehicles) = %d, want %d", len(page.Vehicles), tt.wantVehicles)
			}
		})
	}
}

func TestBuildPage_Continuation(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		cursor      Cursor
		wantLastID  int
		wantHasMore *bool
		wantTotal   int
	}{
		{
			name:        "result_set",
			body:        `{"result_set":{"lastId":50,"total":120,"masRegistros":true},"piezas":[{"refLocal":49}]}`,
			wantLastID:  50,
			wantHasMore: boolPtr(true),
			wantTotal:   120,
		},
		{
			name:        "paginacion",
			body:        `{"paginacion":{"lastId":"77","masRegistros":"false"},"piezas":[{"refLocal":1}]}`,
			wantLastID:  77,
			wantHasMore: boolPtr(false),
		},
		{
			name:       "last item id",
			body:       `{"piezas":[{"refLocal":3},{"refLocal":8}]}`,
			wantLastID: 8,
		},
		{
			name:       "meta without lastId uses last item",
			body:       `{"result_set":{"total":10},"piezas":[{"refLocal":4}]}`,
			wantLastID: 4,
			wantTotal:  10,
		},
		{
			name:       "empty page keeps cursor",
			body:       `{"piezas":[]}`,
			cursor:     Cursor{LastID: 99},
			wantLastID: 99,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := parsePartPage(mustDecode(t, tt.body), tt.cursor)
			if page.LastID != tt.wantLastID {
				t.Errorf("LastID = %d, want %d", page.LastID, tt.wantLastID)
			}
			if page.Total != tt.wantTotal {
				t.Errorf("Total = %d, want %d", page.Total, tt.wantTotal)
			}
			switch {
			case tt.wantHasMore == nil && page.HasMore != nil:
				t.Errorf("HasMore = %v, want nil", *page.HasMore)
			case tt.wantHasMore != nil && (page.HasMore == nil || *page.HasMore != *tt.wantHasMore):
				t.Errorf("HasMore = %v, want %v", page.HasMore, *tt.wantHasMore)
			}
		})
	}
}

func boolPtr(b bool) *bool { return &b }
