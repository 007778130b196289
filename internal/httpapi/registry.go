package httpapi

import (
	"net/http"
	"time"

	"github.com/mingxin1a/paas-platform-sub000/internal/apperr"
	"github.com/mingxin1a/paas-platform-sub000/internal/registry"
	"github.com/mingxin1a/paas-platform-sub000/internal/telemetry"
)

type registerRequest struct {
	Unit    string `json:"unit" example:"erp"`
	Address string `json:"address" example:"http://erp:8080"`
}

type addressResponse struct {
	Address string `json:"address"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// healthz reports that the process is serving.
// @Summary Liveness probe
// @Tags system
// @Success 200 {object} statusResponse
// @Router /healthz [get]
func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

// readyz reports whether the backing token store answers.
// @Summary Readiness probe
// @Tags system
// @Success 200 {object} statusResponse
// @Failure 503 {object} apperr.Envelope
// @Router /readyz [get]
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.d.Ready != nil {
		if err := s.d.Ready(r.Context()); err != nil {
			s.fail(w, r, apperr.Wrap(apperr.UnitUnavailable, err, "not ready"))
			return
		}
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ready"})
}

// register adds a unit or moves it to a new address.
// @Summary Register or move a unit
// @Tags registry
// @Accept json
// @Param payload body registerRequest true "Unit and base address"
// @Success 200 {object} registry.Registration
// @Failure 400 {object} apperr.Envelope
// @Failure 401 {object} apperr.Envelope
// @Security BearerAuth
// @Router /registry/register [post]
func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if err := s.decode(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	reg, err := s.d.Registry.Register(body.Unit, body.Address)
	if err != nil {
		s.fail(w, r, apperr.Wrap(apperr.BadRequest, err, err.Error()))
		return
	}
	s.d.Logger.Info("unit registered", "unit", reg.Unit, "address", reg.Address)
	writeJSON(w, http.StatusOK, reg)
}

func (s *Server) deregister(w http.ResponseWriter, r *http.Request) {
	unit := r.PathValue("unit")
	s.d.Registry.Deregister(unit)
	s.d.Logger.Info("unit deregistered", "unit", unit)
	w.WriteHeader(http.StatusNoContent)
}

// discover answers with the unit's address only while it is healthy.
// @Summary Address of a healthy unit
// @Tags registry
// @Param unit path string true "Unit name"
// @Success 200 {object} addressResponse
// @Failure 503 {object} apperr.Envelope
// @Router /registry/discover/{unit} [get]
func (s *Server) discover(w http.ResponseWriter, r *http.Request) {
	unit := r.PathValue("unit")
	addr, ok := s.d.Registry.Discover(unit)
	if !ok {
		s.fail(w, r, apperr.Newf(apperr.UnitUnavailable, "unit %q is not registered or unhealthy", unit).With("unit", unit))
		return
	}
	writeJSON(w, http.StatusOK, addressResponse{Address: addr})
}

func (s *Server) units(w http.ResponseWriter, _ *http.Request) {
	list := s.d.Registry.Snapshot()
	if list == nil {
		list = []registry.Registration{}
	}
	writeJSON(w, http.StatusOK, list)
}

// ingest stores a span reported by a unit and counts it toward the unit's
// RED metrics. Statuses below 500 count as successes.
// @Summary Report a span from a unit
// @Tags telemetry
// @Accept json
// @Param payload body telemetry.Span true "Span"
// @Success 202 {object} statusResponse
// @Failure 400 {object} apperr.Envelope
// @Router /ingest [post]
func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	var span telemetry.Span
	if err := s.decode(w, r, &span); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.d.Traces.Add(span); err != nil {
		s.fail(w, r, apperr.Wrap(apperr.BadRequest, err, err.Error()))
		return
	}
	d := time.Duration(span.DurationMS * float64(time.Millisecond))
	s.d.Metrics.Record(span.Unit, span.Status > 0 && span.Status < 500, d)
	writeJSON(w, http.StatusAccepted, statusResponse{Status: "accepted"})
}

func (s *Server) trace(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("trace_id")
	if id == "" {
		s.fail(w, r, apperr.New(apperr.BadRequest, "trace_id is required"))
		return
	}
	spans := s.d.Traces.Get(id)
	if len(spans) == 0 {
		s.fail(w, r, apperr.Newf(apperr.NotFound, "trace %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, spans)
}

// metrics returns the RED snapshot of one unit, or of every unit seen when
// unit is omitted.
// @Summary RED metrics, for one unit or all
// @Tags telemetry
// @Param unit query string false "Unit name"
// @Success 200 {array} telemetry.RED
// @Failure 404 {object} apperr.Envelope
// @Router /metrics [get]
func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	if unit := r.URL.Query().Get("unit"); unit != "" {
		red, ok := s.d.Metrics.Snapshot(unit)
		if !ok {
			s.fail(w, r, apperr.Newf(apperr.NotFound, "no metrics for unit %q", unit))
			return
		}
		writeJSON(w, http.StatusOK, red)
		return
	}
	units := s.d.Metrics.Units()
	out := make([]telemetry.RED, 0, len(units))
	for _, u := range units {
		if red, ok := s.d.Metrics.Snapshot(u); ok {
			out = append(out, red)
		}
	}
	writeJSON(w, http.StatusOK, out)
}
