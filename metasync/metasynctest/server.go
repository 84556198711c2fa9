// Package metasynctest runs an in-process fake of the MetaSync change feed.
package metasynctest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v7"
)

// Credentials the fake accepts
const (
	APIKey    = "test-api-key"
	CompanyID = 1234
)

const dateLayout = "02/01/2006 15:04:05"

// Server serves generated vehicles and parts with lastid/offset paging
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	vehicles []map[string]any
	parts    []map[string]any
	failures []int // statuses returned before real responses
	requests map[string]int
	lastIDs  map[string][]int
	lastHdrs http.Header
	omitMeta bool
}

// NewServer starts a fake with no data
func NewServer() *Server {
	s := &Server{requests: map[string]int{}, lastIDs: map[string][]int{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/Almacen/RecuperarCambiosVehiculosCanal", s.handle("vehicles"))
	mux.HandleFunc("/Almacen/RecuperarCambiosCanal", s.handle("parts"))
	s.Server = httptest.NewServer(mux)
	return s
}

// BaseURL returns the URL to configure the client with
func (s *Server) BaseURL() string {
	return s.URL + "/Almacen"
}

// Seed generates n vehicles and perVehicle parts for each of them, plus
// processedParts parts attached to negative vehicle ids. The same seed always
// yields the same catalog.
func (s *Server) Seed(seed uint64, n, perVehicle, processedParts int) {
	f := gofakeit.New(seed)
	modified := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

	s.mu.Lock()
	defer s.mu.Unlock()

	ref := 100000
	for i := 0; i < n; i++ {
		id := 5000 + i
		car := f.Car()
		s.vehicles = append(s.vehicles, map[string]any{
			"idLocal":      id,
			"idEmpresa":    CompanyID,
			"nombreMarca":  car.Brand,
			"nombreModelo": car.Model,
			"anyoVehiculo": car.Year,
			"combustible":  car.Fuel,
			"color":        f.Color(),
			"kilometraje":  f.Number(10000, 300000),
			"codigo":       fmt.Sprintf("V-%d", id),
			"fechaMod":     modified.Add(time.Duration(i) * time.Minute).Format(dateLayout),
			"UrlsImgs":     []string{fmt.Sprintf("https://img.example.com/v/%d.jpg", id)},
		})
		for j := 0; j < perVehicle; j++ {
			ref++
			s.parts = append(s.parts, fakePart(f, ref, id, modified.Add(time.Duration(ref%1440)*time.Minute)))
		}
	}
	for j := 0; j < processedParts; j++ {
		ref++
		p := fakePart(f, ref, -(1+j%3), modified)
		p["descripcionArticulo"] = fmt.Sprintf("FARO SEAT IBIZA %s", f.Word())
		s.parts = append(s.parts, p)
	}
}

func fakePart(f *gofakeit.Faker, ref, vehicleID int, modified time.Time) map[string]any {
	return map[string]any{
		"refLocal":            ref,
		"idEmpresa":           CompanyID,
		"idVehiculo":          vehicleID,
		"codFamilia":          strconv.Itoa(f.Number(1, 40)),
		"descripcionFamilia":  "CARROCERIA",
		"descripcionArticulo": fmt.Sprintf("PIEZA %s %s", f.CarMaker(), f.Word()),
		"precio":              strconv.Itoa(f.Number(100, 90000)),
		"anyoStock":           f.Number(1995, 2023),
		"situacion":           "almacenada",
		"fechaMod":            modified.Format(dateLayout),
		"imagenes":            []string{fmt.Sprintf("https://img.example.com/p/%d.jpg", ref)},
	}
}

// AddVehicles appends raw vehicle records
func (s *Server) AddVehicles(records ...map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vehicles = append(s.vehicles, records...)
}

// AddParts appends raw part records
func (s *Server) AddParts(records ...map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parts = append(s.parts, records...)
}

// RemovePart drops a part so the next full listing no longer includes it
func (s *Server) RemovePart(refLocal int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.parts {
		if intOf(p["refLocal"]) == refLocal {
			s.parts = append(s.parts[:i], s.parts[i+1:]...)
			return
		}
	}
}

// Fail makes the next requests answer with the given statuses, in order
func (s *Server) Fail(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, statuses...)
}

// OmitMeta drops result_set from responses, leaving only the arrays
func (s *Server) OmitMeta(omit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omitMeta = omit
}

// Requests returns how many requests hit kind ("vehicles" or "parts")
func (s *Server) Requests(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[kind]
}

// LastIDs returns the lastid header of every request to kind, in order
func (s *Server) LastIDs(kind string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.lastIDs[kind]...)
}

// LastHeaders returns the headers of the most recent request
func (s *Server) LastHeaders() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHdrs.Clone()
}

// Counts returns how many vehicles and parts the fake holds
func (s *Server) Counts() (vehicles, parts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.vehicles), len(s.parts)
}

func (s *Server) handle(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.requests[kind]++
		s.lastHdrs = r.Header.Clone()
		reqLastID, _ := strconv.Atoi(r.Header.Get("lastid"))
		s.lastIDs[kind] = append(s.lastIDs[kind], reqLastID)

		if len(s.failures) > 0 {
			status := s.failures[0]
			s.failures = s.failures[1:]
			if status == http.StatusTooManyRequests {
				w.Header().Set("Retry-After", "0")
			}
			http.Error(w, http.StatusText(status), status)
			return
		}

		if r.Header.Get("apikey") != APIKey {
			http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
			return
		}

		since, err := time.ParseInLocation(dateLayout, r.Header.Get("fecha"), time.UTC)
		if err != nil {
			http.Error(w, `{"error":"invalid fecha"}`, http.StatusBadRequest)
			return
		}
		lastID, _ := strconv.Atoi(r.Header.Get("lastid"))
		limit, _ := strconv.Atoi(r.Header.Get("offset"))
		if limit <= 0 {
			limit = 1000
		}

		source, key := s.vehicles, "idLocal"
		if kind == "parts" {
			source, key = s.parts, "refLocal"
		}

		var matching []map[string]any
		for _, rec := range source {
			fecha, _ := rec["fechaMod"].(string)
			mod, _ := time.ParseInLocation(dateLayout, fecha, time.UTC)
			if mod.Before(since) {
				continue
			}
			matching = append(matching, rec)
		}
		sort.Slice(matching, func(i, j int) bool {
			return intOf(matching[i][key]) < intOf(matching[j][key])
		})

		var page []map[string]any
		for _, rec := range matching {
			if intOf(rec[key]) <= lastID {
				continue
			}
			if len(page) == limit {
				break
			}
			page = append(page, rec)
		}

		newLast := lastID
		if len(page) > 0 {
			newLast = intOf(page[len(page)-1][key])
		}
		more := false
		for _, rec := range matching {
			if intOf(rec[key]) > newLast {
				more = true
				break
			}
		}

		resp := map[string]any{}
		if !s.omitMeta {
			resp["result_set"] = map[string]any{
				"lastId":       newLast,
				"total":        len(matching),
				"masRegistros": more,
			}
		}
		if kind == "vehicles" {
			resp["vehiculos"] = nonNil(page)
		} else {
			resp["piezas"] = nonNil(page)
			resp["vehiculos"] = embeddedVehicles(page, s.vehicles)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func embeddedVehicles(parts, vehicles []map[string]any) []map[string]any {
	wanted := map[int]bool{}
	for _, p := range parts {
		if id := intOf(p["idVehiculo"]); id > 0 {
			wanted[id] = true
		}
	}
	out := []map[string]any{}
	for _, v := range vehicles {
		if wanted[intOf(v["idLocal"])] {
			out = append(out, v)
		}
	}
	return out
}

func nonNil(page []map[string]any) []map[string]any {
	if page == nil {
		return []map[string]any{}
	}
	return page
}

func intOf(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case float64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(t)
		return n
	}
	return 0
}
