package httpapi

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/trip-coordinator/internal/observability"
)

type contextKey string

const requestKey contextKey = "request"

// requestInfo travels with the request so handlers can annotate the access
// log line written once the response is done.
type requestInfo struct {
	id        string
	errorCode string
}

// routeVars are the path variables copied onto every access log line.
var routeVars = []string{"trip_id", "booking_id", "vehicle_id"}

func (s *Server) registerMiddleware() {
	s.mux.Use(s.recoverMiddleware)
	s.mux.Use(s.requestIDMiddleware)
	s.mux.Use(s.accessLogMiddleware)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := &requestInfo{id: r.Header.Get("X-Request-ID")}
		if info.id == "" {
			info.id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", info.id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestKey, info)))
	})
}

// accessLogMiddleware records request metrics and one log line per request,
// tagged with the trip, booking or vehicle the route addresses. Live trip
// sockets are logged when the socket closes.
func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := routeTemplate(r)
		status := strconv.Itoa(ww.status)
		elapsed := time.Since(start)
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(elapsed.Seconds())

		attrs := []slog.Attr{
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", ww.status),
			slog.Int64("duration_ms", elapsed.Milliseconds()),
			slog.String("remote_addr", remoteIP(r)),
		}
		vars := mux.Vars(r)
		for _, k := range routeVars {
			if v, ok := vars[k]; ok {
				attrs = append(attrs, slog.String(k, v))
			}
		}
		if info := requestFromContext(r.Context()); info != nil {
			attrs = append(attrs, slog.String("request_id", info.id))
			if info.errorCode != "" {
				attrs = append(attrs, slog.String("error_code", info.errorCode))
			}
		}

		level := slog.LevelInfo
		if ww.status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.LogAttrs(r.Context(), level, "http_request", attrs...)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", "error", rec, "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()))
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (r *responseWriter) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func requestFromContext(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(requestKey).(*requestInfo)
	return info
}

func requestIDFromContext(ctx context.Context) string {
	if info := requestFromContext(ctx); info != nil {
		return info.id
	}
	return ""
}

// noteErrorCode tags the access log line with the error code sent back.
func noteErrorCode(r *http.Request, code string) {
	if info := requestFromContext(r.Context()); info != nil {
		info.errorCode = code
	}
}

func routeTemplate(r *http.Request) string {
	if current := mux.CurrentRoute(r); current != nil {
		if tmpl, err := current.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
