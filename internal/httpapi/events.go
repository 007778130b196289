package httpapi

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/mingxin1a/paas-platform-sub000/internal/apperr"
	"github.com/mingxin1a/paas-platform-sub000/internal/contract"
	"github.com/mingxin1a/paas-platform-sub000/internal/eventbus"
)

// publish accepts a domain event. The trace id falls back to X-Trace-ID.
// @Summary Publish a domain event
// @Tags events
// @Accept json
// @Param payload body eventbus.AcceptRequest true "Event"
// @Success 202 {object} eventbus.Result
// @Failure 400 {object} apperr.Envelope
// @Router /events [post]
func (s *Server) publish(w http.ResponseWriter, r *http.Request) {
	var req eventbus.AcceptRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.TraceID == "" {
		req.TraceID = r.Header.Get(contract.TraceID)
	}
	if req.RetryCount < 0 {
		s.fail(w, r, apperr.New(apperr.BadRequest, "retry_count must not be negative"))
		return
	}
	res, err := s.d.Bus.Accept(req)
	if err != nil {
		if errors.Is(err, eventbus.ErrInvalidEvent) {
			err = apperr.Wrap(apperr.BadRequest, err, "type is required")
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// listEvents pages through the log oldest first. since is in unix seconds
// and may carry a fraction; only events stamped strictly after it match.
// @Summary Events after a point in time
// @Tags events
// @Param topic query string false "Event type prefix"
// @Param since query number false "Unix seconds"
// @Param limit query int false "Page size, at most 1000"
// @Success 200 {array} eventbus.Event
// @Failure 400 {object} apperr.Envelope
// @Router /events [get]
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, err := parseSince(q.Get("since"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.d.Bus.List(q.Get("topic"), since, limit))
}

// deadLetters lists the newest dead letters.
// @Summary Dead-lettered events
// @Tags admin
// @Param limit query int false "Page size, at most 1000"
// @Success 200 {array} eventbus.DeadLetter
// @Failure 401 {object} apperr.Envelope
// @Security BearerAuth
// @Router /admin/events/dlq [get]
func (s *Server) deadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := s.d.Bus.DeadLetters(limit)
	if out == nil {
		out = []eventbus.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, out)
}

// parseSince turns fractional unix seconds into a time. Empty means the
// beginning of the log.
func parseSince(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return time.Time{}, apperr.Newf(apperr.BadRequest, "since %q is not a unix timestamp", v)
	}
	if f == 0 {
		return time.Time{}, nil
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC(), nil
}

// parseLimit validates limit; zero lets the bus apply its default.
func parseLimit(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, apperr.Newf(apperr.BadRequest, "limit %q must be a positive integer", v)
	}
	return min(n, eventbus.MaxListLimit), nil
}
