// Package status provides an HTTP interface to a running calibration session
package status

import (
	"net/http"
	"time"

	"github.com/snoplus/pmtcal/generichttp"
	"github.com/snoplus/pmtcal/powermeter"
	"github.com/snoplus/pmtcal/results"
	"github.com/snoplus/pmtcal/sweep"
)

// Session is what the status routes report on
type Session interface {
	// State returns the state machine state and the width it applies to
	State() (sweep.State, int)

	// Table returns the results so far
	Table() *results.Table
}

// StateT is the JSON form of a session's state
type StateT struct {
	State string `json:"state"`
	IPW   int    `json:"ipw"`
}

// PowerT is the JSON form of a power meter reading
type PowerT struct {
	Watts      float64   `json:"watts"`
	WattsErr   float64   `json:"wattsErr"`
	Photons    float64   `json:"photons"`
	PhotonsErr float64   `json:"photonsErr"`
	Time       time.Time `json:"time"`
}

// HTTPStatus wraps a Session and optional power sampler in an HTTP interface
type HTTPStatus struct {
	Session Session

	// Sampler may be nil when no power meter is running
	Sampler *powermeter.Sampler

	RouteTable generichttp.RouteTable
}

// NewHTTPStatus builds the route table for a session
func NewHTTPStatus(s Session, sampler *powermeter.Sampler) HTTPStatus {
	h := HTTPStatus{Session: s, Sampler: sampler}
	h.RouteTable = generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/state"}:   h.state,
		{Method: http.MethodGet, Path: "/power"}:   h.power,
		{Method: http.MethodGet, Path: "/results"}: h.results,
		{Method: http.MethodGet, Path: "/curve"}:   h.curve,
	}
	return h
}

// RT satisfies generichttp.HTTPer
func (h HTTPStatus) RT() generichttp.RouteTable {
	return h.RouteTable
}

func (h HTTPStatus) state(w http.ResponseWriter, r *http.Request) {
	s, ipw := h.Session.State()
	generichttp.WriteJSON(w, StateT{State: string(s), IPW: ipw})
}

func (h HTTPStatus) power(w http.ResponseWriter, r *http.Request) {
	if h.Sampler == nil {
		http.Error(w, "no power meter in this session", http.StatusNotFound)
		return
	}
	if err := h.Sampler.Err(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	rd, ok := h.Sampler.Latest()
	if !ok {
		http.Error(w, "no power reading yet", http.StatusServiceUnavailable)
		return
	}
	generichttp.WriteJSON(w, PowerT{
		Watts: rd.Watts, WattsErr: rd.WattsErr,
		Photons: rd.Photons, PhotonsErr: rd.PhotonsErr,
		Time: rd.Time,
	})
}

func (h HTTPStatus) results(w http.ResponseWriter, r *http.Request) {
	generichttp.WriteJSON(w, h.Session.Table().Rows())
}

func (h HTTPStatus) curve(w http.ResponseWriter, r *http.Request) {
	generichttp.WriteJSON(w, h.Session.Table().Curve())
}
