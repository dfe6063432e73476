package cryptokit

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/medhive/flcoordinator/internal/errs"
)

// Claims is the payload embedded in a bearer token (spec.md §6).
type Claims struct {
	Subject string `json:"sub"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken issues an HMAC-signed bearer token carrying subject, role, and
// expiry.
func (k *Kit) IssueToken(subject, role string, ttl time.Duration) (string, error) {
	const op = "CryptoKit.IssueToken"
	if !k.initialized {
		return "", errs.E(op, errs.NotInitialized, nil)
	}

	now := time.Now()
	claims := Claims{
		Subject: subject,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(k.jwtSecret)
	if err != nil {
		return "", errs.E(op, errs.Fatal, err)
	}
	return signed, nil
}

// VerifyToken validates a bearer token, rejecting expired or tampered
// tokens and never accepting an unsigned token.
func (k *Kit) VerifyToken(tokenString string) (*Claims, error) {
	const op = "CryptoKit.VerifyToken"
	if !k.initialized {
		return nil, errs.E(op, errs.NotInitialized, nil)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return k.jwtSecret, nil
	})
	if err != nil {
		return nil, errs.E(op, errs.Unauthorized, err)
	}
	if !token.Valid {
		return nil, errs.E(op, errs.Unauthorized, fmt.Errorf("invalid token"))
	}
	return claims, nil
}
