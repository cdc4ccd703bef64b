package authz

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenService signs and verifies actor identity tokens presented at the
// service boundary. Tokens carry the actor id and role list; capabilities are
// always re-derived server side.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenService(secret string, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenService{secret: []byte(secret), ttl: ttl}
}

// Issue creates a signed token for the actor.
func (s *TokenService) Issue(actor string, roles []Role) (string, error) {
	if actor == "" {
		return "", fmt.Errorf("authz: actor required")
	}
	roleStrings := make([]string, 0, len(roles))
	for _, r := range roles {
		if !isValidRole(r) {
			return "", fmt.Errorf("authz: invalid role %q", r)
		}
		roleStrings = append(roleStrings, string(r))
	}

	claims := jwt.MapClaims{
		"actor": actor,
		"roles": roleStrings,
		"exp":   time.Now().Add(s.ttl).Unix(),
		"iat":   time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify validates a token and returns the actor id and roles.
func (s *TokenService) Verify(tokenString string) (string, []Role, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("authz: parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", nil, fmt.Errorf("authz: invalid token")
	}

	actor, ok := claims["actor"].(string)
	if !ok || actor == "" {
		return "", nil, fmt.Errorf("authz: invalid actor in token")
	}

	rawRoles, ok := claims["roles"].([]any)
	if !ok {
		return "", nil, fmt.Errorf("authz: invalid roles in token")
	}
	roles := make([]Role, 0, len(rawRoles))
	for _, raw := range rawRoles {
		rs, ok := raw.(string)
		if !ok || !isValidRole(Role(rs)) {
			return "", nil, fmt.Errorf("authz: invalid role %q in token", raw)
		}
		roles = append(roles, Role(rs))
	}

	return actor, roles, nil
}
