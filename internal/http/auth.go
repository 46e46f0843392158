package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/example/ride-dispatch/internal/models"
)

// Verifier turns a bearer token into the calling actor.
type Verifier interface {
	Verify(token string) (models.Actor, error)
}

// Claims carry the opaque caller id in sub and the caller's role.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens.
type JWTVerifier struct {
	secret []byte
	issuer string
}

func NewJWTVerifier(secret, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: issuer}
}

func (v *JWTVerifier) Verify(tokenString string) (models.Actor, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return models.Actor{}, fmt.Errorf("parse token: %v: %w", err, models.ErrUnauthenticated)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return models.Actor{}, fmt.Errorf("invalid token: %w", models.ErrUnauthenticated)
	}
	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return models.Actor{}, fmt.Errorf("token issuer %q: %w", claims.Issuer, models.ErrUnauthenticated)
	}
	role := models.Role(claims.Role)
	switch role {
	case models.RoleRider, models.RoleDriver, models.RoleSystem:
	default:
		return models.Actor{}, fmt.Errorf("token role %q: %w", claims.Role, models.ErrUnauthenticated)
	}
	if claims.Subject == "" {
		return models.Actor{}, fmt.Errorf("token without subject: %w", models.ErrUnauthenticated)
	}
	return models.Actor{ID: claims.Subject, Role: role}, nil
}

// Issue signs a token for actor valid for ttl. Used by the token command and tests.
func (v *JWTVerifier) Issue(actor models.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Role: string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

const actorKey contextKey = "actor"

// ActorFromContext returns the authenticated caller, or the zero Actor.
func ActorFromContext(ctx context.Context) models.Actor {
	a, _ := ctx.Value(actorKey).(models.Actor)
	return a
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// authMiddleware resolves the caller. Requests without a valid token are
// rejected before reaching a handler.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := bearerToken(r)
		if tok == "" {
			s.writeError(w, r, fmt.Errorf("missing bearer token: %w", models.ErrUnauthenticated))
			return
		}
		actor, err := s.verifier.Verify(tok)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if info := infoFromContext(r.Context()); info != nil {
			info.actor = actor
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, actor)))
	})
}
