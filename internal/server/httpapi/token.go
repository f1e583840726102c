package httpapi

import (
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
)

// SystemSubject is the token subject used by internal schedulers and the
// expiry sweep. It bypasses the creator check on destroy, nothing else.
const SystemSubject = "system"

// IssueToken creates a signed HS256 bearer for the given subject.
func IssueToken(signKey []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(signKey)
}

// identity is the parsed caller identity.
type identity struct {
	userID uuid.UUID
	system bool
}

// parseToken validates the bearer and extracts the caller identity.
func parseToken(signKey []byte, raw string) (identity, error) {
	tok, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return signKey, nil
	})
	if err != nil {
		return identity{}, err
	}
	claims, ok := tok.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return identity{}, fmt.Errorf("missing subject")
	}
	if claims.Subject == SystemSubject {
		return identity{system: true}, nil
	}
	id, err := uuid.FromString(claims.Subject)
	if err != nil {
		return identity{}, fmt.Errorf("bad subject: %w", err)
	}
	return identity{userID: id}, nil
}
