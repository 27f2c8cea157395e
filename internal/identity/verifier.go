// Package identity verifies bearer credentials issued by the identity service.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/weiawesome/wes-io-chat/pkg/jwt"
)

// ErrInvalidCredential is returned for missing, malformed, expired or
// wrongly signed tokens.
var ErrInvalidCredential = errors.New("invalid credential")

// Verifier checks HS256 JWTs.
type Verifier struct {
	manager *jwt.Manager
}

func NewVerifier(manager *jwt.Manager) *Verifier {
	return &Verifier{manager: manager}
}

// VerifyCredential returns the user id carried by token.
func (v *Verifier) VerifyCredential(_ context.Context, token string) (int64, error) {
	if token == "" {
		return 0, fmt.Errorf("%w: empty token", ErrInvalidCredential)
	}
	claims, err := v.manager.ValidateToken(token)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}
	return claims.UserID, nil
}
