package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/apirun/apirun/internal/api"
)

// TokenValidator turns a bearer token into an identity. The runtime calls
// it for endpoints with authRequired; hosts plug in their own strategy.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*api.Identity, error)
}

// ExtractBearerToken pulls the credential out of the Authorization header.
func ExtractBearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

// JWTValidator is the default strategy: HS256 tokens signed with a shared
// key from configuration.
type JWTValidator struct {
	key []byte
}

var _ TokenValidator = (*JWTValidator)(nil)

func NewJWTValidator(signingKey string) *JWTValidator {
	return &JWTValidator{key: []byte(signingKey)}
}

func (v *JWTValidator) Validate(ctx context.Context, token string) (*api.Identity, error) {
	if len(v.key) == 0 {
		return nil, fmt.Errorf("no token signing key configured")
	}
	parsed, err := jwt.Parse([]byte(token),
		jwt.WithKey(jwa.HS256, v.key),
		jwt.WithValidate(true),
		jwt.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	identity := &api.Identity{
		ID:     parsed.Subject(),
		Claims: parsed.PrivateClaims(),
	}
	if v, ok := parsed.Get("preferred_username"); ok {
		identity.Username, _ = v.(string)
	}
	if identity.Username == "" {
		if v, ok := parsed.Get("name"); ok {
			identity.Username, _ = v.(string)
		}
	}
	if v, ok := parsed.Get("email"); ok {
		identity.Email, _ = v.(string)
	}
	return identity, nil
}
