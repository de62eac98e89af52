package identity

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/utafrali/cartsync/services/storefront/internal/domain"
)

// JWTResolver derives the visitor's identity from a bearer token signed
// with HS256. Guests are allowed, so a missing or bad token is Anonymous.
type JWTResolver struct {
	secret []byte
	logger *slog.Logger
}

// NewJWTResolver creates a resolver that verifies tokens with secret.
func NewJWTResolver(secret string, logger *slog.Logger) *JWTResolver {
	return &JWTResolver{secret: []byte(secret), logger: logger}
}

// Resolve reads the Authorization header of r.
func (j *JWTResolver) Resolve(r *http.Request) domain.Identity {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return domain.Anonymous()
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		j.logger.DebugContext(r.Context(), "ignoring malformed authorization header")
		return domain.Anonymous()
	}
	return j.ResolveToken(parts[1])
}

// ResolveToken validates tokenString and returns the user it names.
func (j *JWTResolver) ResolveToken(tokenString string) domain.Identity {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return j.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		j.logger.Debug("treating invalid token as guest", slog.String("error", errString(err)))
		return domain.Anonymous()
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return domain.Anonymous()
	}

	userID, _ := claims["user_id"].(string)
	if userID == "" {
		userID, _ = claims["sub"].(string)
	}
	return domain.Authenticated(userID)
}

func errString(err error) string {
	if err != nil {
		return err.Error()
	}
	return ""
}
