package auth

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
)

type contextKey string

const principalContextKey contextKey = "principal"

// Query parameters accepted where headers cannot be set (websocket clients)
const (
	TokenQueryParam  = "token"
	TicketQueryParam = "ticket"
)

// Middleware handles authentication for protected routes
type Middleware struct {
	jwtManager *JWTManager
	tickets    *WSTicketStore
	limiter    *FailureLimiter
	disabled   bool
}

// NewMiddleware creates new auth middleware. tickets and limiter may be nil.
func NewMiddleware(jwtManager *JWTManager, tickets *WSTicketStore, limiter *FailureLimiter) *Middleware {
	return &Middleware{jwtManager: jwtManager, tickets: tickets, limiter: limiter}
}

// Disabled returns middleware that admits every request as admin
func Disabled() *Middleware {
	return &Middleware{disabled: true}
}

// RequireAuth checks for a bearer token, a token query parameter or a
// websocket ticket
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.disabled {
			p := &Principal{Subject: "anonymous", Role: RoleAdmin}
			next.ServeHTTP(w, r.WithContext(SetPrincipal(r.Context(), p)))
			return
		}

		ip := clientIP(r)
		if m.limiter != nil {
			if blocked, retry := m.limiter.Blocked(ip); blocked {
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				writeError(w, http.StatusTooManyRequests, "too many failed attempts")
				return
			}
		}

		p, err := m.authenticate(r)
		if err != nil {
			if m.limiter != nil {
				m.limiter.RecordFailure(ip)
			}
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if m.limiter != nil {
			m.limiter.Reset(ip)
		}

		next.ServeHTTP(w, r.WithContext(SetPrincipal(r.Context(), p)))
	})
}

func (m *Middleware) authenticate(r *http.Request) (*Principal, error) {
	if ticket := r.URL.Query().Get(TicketQueryParam); ticket != "" && m.tickets != nil {
		if p, ok := m.tickets.Validate(ticket); ok {
			return p, nil
		}
		return nil, ErrInvalidToken
	}

	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get(TokenQueryParam)
	}
	if token == "" {
		return nil, ErrInvalidToken
	}
	return m.jwtManager.ValidateToken(token)
}

// RequireAdmin rejects principals without the admin role
func (m *Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := PrincipalFromContext(r.Context())
		if p == nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !p.IsAdmin() {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// PrincipalFromContext extracts the principal from request context
func PrincipalFromContext(ctx context.Context) *Principal {
	p, ok := ctx.Value(principalContextKey).(*Principal)
	if !ok {
		return nil
	}
	return p
}

// SetPrincipal adds the principal to context
func SetPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
