package ledger

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/golang-jwt/jwt/v5"
)

// JWTAuthenticator signs a short-lived HS256 token for every RPC request,
// the scheme used by authenticated node endpoints.
type JWTAuthenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewJWTAuthenticator takes the shared secret as hex (with or without 0x).
func NewJWTAuthenticator(hexSecret string) (*JWTAuthenticator, error) {
	trimmed := strings.TrimSpace(hexSecret)
	if trimmed == "" {
		return nil, fmt.Errorf("empty jwt secret")
	}
	secret := common.FromHex(trimmed)
	if len(secret) != 32 {
		return nil, fmt.Errorf("jwt secret must be 32 bytes of hex, got %d bytes", len(secret))
	}
	return &JWTAuthenticator{secret: secret, ttl: time.Minute, now: time.Now}, nil
}

func (j *JWTAuthenticator) AddAuthHeaders(h http.Header) error {
	token, err := j.generateJWT()
	if err != nil {
		return fmt.Errorf("failed to generate JWT: %w", err)
	}
	h.Set("Authorization", "Bearer "+token)
	return nil
}

func (j *JWTAuthenticator) generateJWT() (string, error) {
	now := j.now()
	claims := jwt.MapClaims{
		"iat": now.Unix(),
		"exp": now.Add(j.ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	tokenString, err := token.SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// HTTPAuth adapts the authenticator to the rpc client option.
func (j *JWTAuthenticator) HTTPAuth() rpc.HTTPAuth {
	return j.AddAuthHeaders
}
