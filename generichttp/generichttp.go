// Package generichttp defines the route tables and JSON helpers used to wrap
// objects in an HTTP interface, and the mux that serves them
package generichttp

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi"
)

// MethodPath is an HTTP method and a path relative to an object's stem
type MethodPath struct {
	Method string
	Path   string
}

// RouteTable maps routes to handlers
type RouteTable map[MethodPath]http.HandlerFunc

// Endpoints lists the paths in the table, sorted and without duplicates
func (rt RouteTable) Endpoints() []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(rt))
	for k := range rt {
		if !seen[k.Path] {
			seen[k.Path] = true
			out = append(out, k.Path)
		}
	}
	sort.Strings(out)
	return out
}

// Bind binds every route in the table to r
func (rt RouteTable) Bind(r chi.Router) {
	for k, h := range rt {
		r.MethodFunc(k.Method, k.Path, h)
	}
}

// HTTPer is an object with a route table
type HTTPer interface {
	RT() RouteTable
}

// FloatT is a JSON {"f64": value}
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a JSON {"int": value}
type IntT struct {
	Int int `json:"int"`
}

// StrT is a JSON {"str": value}
type StrT struct {
	Str string `json:"str"`
}

// WriteJSON encodes v as the response body
func WriteJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// GetFloat calls a float-getting function and returns the response
// as json {'f64': value}
func GetFloat(fcn func() (float64, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		WriteJSON(w, FloatT{F64: f})
	}
}

// GetInt calls an int-getting function and returns the response
// as json {'int': value}
func GetInt(fcn func() (int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		WriteJSON(w, IntT{Int: i})
	}
}

// GetString calls a string-getting function and returns the response
// as json {'str': value}
func GetString(fcn func() (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		WriteJSON(w, StrT{Str: s})
	}
}

// SubMuxSanitize converts a URL stem like "omc/nkt" or "/omc/nkt/" to the
// "/omc/nkt" form chi mounts on.  The empty stem is the root.
func SubMuxSanitize(stem string) string {
	stem = strings.Trim(stem, "/*")
	return "/" + stem
}

// BuildMux mounts each HTTPer at its stem and serves the special route
// /endpoints, which returns a JSON map of stem to routes
func BuildMux(nodes map[string]HTTPer, middleware ...func(http.Handler) http.Handler) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware...)
	supergraph := map[string][]string{}
	for stem, httper := range nodes {
		hndlS := SubMuxSanitize(stem)
		supergraph[hndlS] = httper.RT().Endpoints()
		r := chi.NewRouter()
		httper.RT().Bind(r)
		root.Mount(hndlS, r)
	}
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, supergraph)
	})
	return root
}
