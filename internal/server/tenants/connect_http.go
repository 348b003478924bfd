package tenants

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MaxBodyBytes bounds a Connect request body.
const MaxBodyBytes = 64 << 20

// Handler serves every method as POST /lifecycle.v1.LifecycleService/<Method>
// using the Connect protocol with JSON encoding, plus /healthz and, when
// metrics is not nil, /metrics.
func (s *Service) Handler(metrics prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "ok\n")
	})
	if metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(metrics, promhttp.HandlerOpts{}))
	}
	for _, e := range endpoints {
		e := e
		r.Post("/"+ServiceName+"/"+e.name, func(w http.ResponseWriter, req *http.Request) {
			body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, MaxBodyBytes))
			if err != nil {
				var mbe *http.MaxBytesError
				if errors.As(err, &mbe) {
					writeConnectError(w, "resource_exhausted", http.StatusRequestEntityTooLarge, "request body too large")
					return
				}
				writeConnectError(w, "invalid_argument", http.StatusBadRequest, "read body")
				return
			}
			decode := func(v any) error {
				dec := json.NewDecoder(bytes.NewReader(body))
				dec.UseNumber()
				return dec.Decode(v)
			}
			resp, err := e.call(req.Context(), s, decode)
			if err != nil {
				code, httpStatus := connectCode(classify(err))
				s.logger().Warn("Connect call failed", zap.String("method", e.name), zap.String("code", code), zap.Error(err))
				writeConnectError(w, code, httpStatus, err.Error())
				return
			}
			writeConnectJSON(w, resp)
		})
	}
	return r
}

func (s *Service) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

func writeConnectJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Connect-Protocol-Version", "1")
	_ = json.NewEncoder(w).Encode(v)
}

// writeConnectError writes the Connect unary error body.
func writeConnectError(w http.ResponseWriter, code string, httpStatus int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Connect-Protocol-Version", "1")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(ErrorDetail{Code: code, Message: message})
}
