package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/harun/chatgate/internal/observability"
	"github.com/harun/chatgate/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type principalKey struct{}

func principalFrom(ctx context.Context) string {
	if p, ok := ctx.Value(principalKey{}).(string); ok {
		return p
	}
	return ""
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Str("request_id", tracing.GetRequestID(r.Context())).
					Msg("Panic in API handler")
				writeError(w, http.StatusInternalServerError, reasonInternal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// withRequestContext assigns a request id and a span, tracks in-flight requests and logs the outcome.
func (s *Server) withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = tracing.NewRequestID()
		}
		ctx := tracing.NewRequestContext(r.Context(), requestID)
		w.Header().Set("X-Request-ID", requestID)

		s.shutdownMu.RLock()
		if s.shuttingDown {
			s.shutdownMu.RUnlock()
			writeError(w, http.StatusServiceUnavailable, reasonShuttingDown, "server is shutting down")
			return
		}
		s.inFlight.Add(1)
		s.shutdownMu.RUnlock()
		defer s.inFlight.Done()

		ctx, span := tracing.StartSpan(ctx, tracing.TracerAPI, "api.request",
			attribute.String("request_id", requestID),
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
		elapsed := time.Since(start)
		observability.RecordAPIRequest(r.Method, rec.status, elapsed)
		s.logger.Debug().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", elapsed).
			Msg("API request")
	})
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := s.proxies.clientIP(r)
		if ok, retry := s.limiter.Allow(ip); !ok {
			secs := int((retry + time.Second - 1) / time.Second)
			s.logger.Warn().Str("ip", ip).Str("path", r.URL.Path).Int("retry_after", secs).Msg("Rate limit exceeded")
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeError(w, http.StatusTooManyRequests, reasonRateLimited, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := s.auth.Authenticate(r)
		if !ok {
			observability.RecordSecurityAudit(r.Context(), "api.auth", s.proxies.clientIP(r), "failure", map[string]interface{}{
				"path":   r.URL.Path,
				"method": r.Method,
			})
			w.Header().Set("WWW-Authenticate", `Basic realm="chatgate"`)
			writeError(w, http.StatusUnauthorized, reasonUnauthorized, "valid credentials required")
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// proxyList holds the peers whose forwarding headers are believed.
type proxyList struct {
	nets []*net.IPNet
}

func parseProxyList(entries []string) (*proxyList, error) {
	pl := &proxyList{}
	for _, raw := range entries {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			ip := net.ParseIP(raw)
			if ip == nil {
				return nil, fmt.Errorf("invalid trusted proxy %q", raw)
			}
			bits := 128
			if ip.To4() != nil {
				ip = ip.To4()
				bits = 32
			}
			pl.nets = append(pl.nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		pl.nets = append(pl.nets, n)
	}
	return pl, nil
}

func (pl *proxyList) trusts(host string) bool {
	if pl == nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range pl.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// clientIP keys a request by its socket peer. Forwarding headers count only when that peer
// is a trusted proxy.
func (pl *proxyList) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !pl.trusts(host) {
		return host
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return host
}
