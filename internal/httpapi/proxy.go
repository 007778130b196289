package httpapi

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mingxin1a/paas-platform-sub000/internal/apperr"
	"github.com/mingxin1a/paas-platform-sub000/internal/contract"
	"github.com/mingxin1a/paas-platform-sub000/internal/proxy"
)

// proxy forwards {method} /proxy/{unit}/{path...} through the router and
// relays the unit's answer verbatim.
// @Summary Forward to a unit
// @Tags proxy
// @Param unit path string true "Unit name"
// @Param path path string true "Remaining path, may contain slashes"
// @Success 200 {string} string "unit response"
// @Failure 400 {object} apperr.Envelope
// @Failure 401 {object} apperr.Envelope
// @Failure 403 {object} apperr.Envelope
// @Failure 409 {object} apperr.Envelope
// @Failure 429 {object} apperr.Envelope
// @Failure 502 {object} apperr.Envelope
// @Failure 503 {object} apperr.Envelope
// @Security BearerAuth
// @Router /proxy/{unit}/{path} [get]
func (s *Server) proxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	unit := r.PathValue("unit")
	path := strings.TrimPrefix(r.URL.EscapedPath(), "/proxy/"+unit)
	if path == "" {
		path = "/"
	}

	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.d.MaxBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				s.failTimed(w, r, start, apperr.Newf(apperr.BadRequest, "body exceeds %d bytes", tooLarge.Limit))
				return
			}
			s.failTimed(w, r, start, apperr.Wrap(apperr.BadRequest, err, "could not read request body"))
			return
		}
		body = b
	}

	resp, err := s.d.Router.Forward(r.Context(), &proxy.Request{
		Method:   r.Method,
		Unit:     unit,
		Path:     path,
		RawQuery: r.URL.RawQuery,
		Header:   r.Header.Clone(),
		Body:     body,
		ClientIP: clientIP(r.RemoteAddr),
	})
	if err != nil {
		s.failTimed(w, r, start, err)
		return
	}

	h := w.Header()
	for k, vs := range resp.Header {
		h[k] = append([]string(nil), vs...)
	}
	if h.Get(contract.ResponseTime) == "" {
		h.Set(contract.ResponseTime, contract.Latency(time.Since(start)))
	}
	w.WriteHeader(resp.Status)
	if r.Method != http.MethodHead && len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

// failTimed writes err with the latency header every proxy answer carries.
func (s *Server) failTimed(w http.ResponseWriter, r *http.Request, start time.Time, err error) {
	w.Header().Set(contract.ResponseTime, contract.Latency(time.Since(start)))
	s.fail(w, r, err)
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
