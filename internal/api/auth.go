package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/graaaaa/livecast/internal/api/viewertoken"
)

const authRealm = `Basic realm="Livecast Relay"`

// principal is the caller of a request. Operators (Basic Auth, or any local
// caller when auth is off) may act on every stream and for any user; token
// holders act as the token's subject on the token's stream.
type principal struct {
	Operator bool
	Claims   viewertoken.Claims
}

// UserID returns the token subject, empty for an operator without a token.
func (p principal) UserID() string {
	return p.Claims.Sub
}

func (p principal) allowsStream(streamID string) bool {
	return p.Operator || p.Claims.AllowsStream(streamID)
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFrom(ctx context.Context) principal {
	p, _ := ctx.Value(principalKey{}).(principal)
	return p
}

// bearerToken returns the viewer token from the Authorization header or the
// token query parameter. Browsers cannot set headers on EventSource and
// WebSocket requests, hence the query fallback.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return r.URL.Query().Get("token")
}

// authenticate resolves the caller and stores it in the request context.
// A presented token must be valid. Without one, Basic Auth is required when
// auth is enabled.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r)
		if s.authFailures != nil && s.authFailures.IsLocked(ip) {
			s.lockedOut(w, ip)
			return
		}

		if tok := bearerToken(r); tok != "" && len(s.tokenSecret) > 0 {
			claims, err := viewertoken.Verify(tok, s.tokenSecret, s.now())
			if err != nil {
				if s.recordAuthFailure(ip) {
					s.lockedOut(w, ip)
					return
				}
				writeError(w, http.StatusUnauthorized, "invalid token", nil)
				return
			}
			p := principal{Claims: claims, Operator: !s.authEnabled}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
			return
		}

		if !s.authEnabled {
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal{Operator: true})))
			return
		}

		u, pw, ok := r.BasicAuth()
		if !ok || !constantTimeEqualString(u, s.authUsername) || !constantTimeEqualString(pw, s.authPassword) {
			if ok && s.recordAuthFailure(ip) {
				s.lockedOut(w, ip)
				return
			}
			w.Header().Set("WWW-Authenticate", authRealm)
			writeError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}
		if s.authFailures != nil {
			s.authFailures.RecordSuccess(ip)
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal{Operator: true})))
	})
}

// operatorOnly rejects token holders.
func (s *Server) operatorOnly(next http.Handler) http.Handler {
	return s.authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !principalFrom(r.Context()).Operator {
			writeError(w, http.StatusForbidden, "operator access required", nil)
			return
		}
		next.ServeHTTP(w, r)
	}))
}

// recordAuthFailure counts a failed attempt and reports whether ip is now
// locked out.
func (s *Server) recordAuthFailure(ip string) bool {
	if s.authFailures == nil {
		return false
	}
	if s.authFailures.RecordFailure(ip) < 0 {
		s.logger.Warn("auth lockout", "ip", ip)
		return true
	}
	return false
}

func (s *Server) lockedOut(w http.ResponseWriter, ip string) {
	w.Header().Set("Retry-After", retryAfter(s.authFailures.LockoutSecondsRemaining(ip)))
	writeError(w, http.StatusTooManyRequests, "too many failed attempts", nil)
}

// tokenRequest is the body of POST /api/v1/auth/token.
type tokenRequest struct {
	UserID     string `json:"user_id"`
	Name       string `json:"name,omitempty"`
	StreamID   string `json:"stream_id,omitempty"`
	Role       string `json:"role,omitempty"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

// tokenResponse is the response for POST /api/v1/auth/token.
type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"` // seconds
}

// handleAuthToken issues a viewer token. Operators call it on behalf of the
// user who is about to open the stream.
func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = viewertoken.DefaultTTL
	}
	ttl = min(ttl, viewertoken.MaxTTL)

	token, err := viewertoken.Issue(s.tokenSecret, viewertoken.Claims{
		Sub:    req.UserID,
		Name:   req.Name,
		Stream: req.StreamID,
		Role:   req.Role,
	}, ttl, s.now())
	if err != nil {
		if errors.Is(err, viewertoken.ErrInvalidClaims) {
			writeError(w, http.StatusBadRequest, err.Error(), nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to issue token", err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresIn: int(ttl.Seconds())})
}

// retryAfter formats a Retry-After value.
func retryAfter(seconds int) string {
	return strconv.Itoa(max(seconds, 1))
}
