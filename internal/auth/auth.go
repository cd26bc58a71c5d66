// Package auth signs and verifies the bearer tokens of build clients.
package auth

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid token")

// Token is a verified client token.
type Token struct {
	ID        uuid.UUID
	Subject   string
	ExpiresAt time.Time
}

// Sign returns a signed token for subject that expires after ttl.
func Sign(key ed25519.PrivateKey, subject string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	jwtToken := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		ID:        uuid.NewString(),
	})
	return jwtToken.SignedString(key)
}

// Verify parses s and checks its signature and claims.
// Errors wrap ErrInvalidToken.
func Verify(key ed25519.PublicKey, s string) (*Token, error) {
	jwtToken, err := jwt.ParseWithClaims(
		s,
		&jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			return key, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims := jwtToken.Claims.(*jwt.RegisteredClaims)

	if claims.ID == "" {
		return nil, fmt.Errorf("%w: empty jti token claim", ErrInvalidToken)
	}
	id, err := uuid.Parse(claims.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: jti token claim: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: empty sub token claim", ErrInvalidToken)
	}

	return &Token{
		ID:        id,
		Subject:   claims.Subject,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// ReadPrivateKeyFile reads a PEM encoded PKCS #8 ed25519 private key.
func ReadPrivateKeyFile(name string) (ed25519.PrivateKey, error) {
	block, err := readPEMFile(name)
	if err != nil {
		return nil, err
	}
	keyAny, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := keyAny.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("not an ed25519 private key file")
	}
	return key, nil
}

// ReadPublicKeyFile reads a PEM encoded PKIX ed25519 public key.
func ReadPublicKeyFile(name string) (ed25519.PublicKey, error) {
	block, err := readPEMFile(name)
	if err != nil {
		return nil, err
	}
	keyAny, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := keyAny.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("not an ed25519 public key file")
	}
	return key, nil
}

func readPEMFile(name string) (*pem.Block, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM data", name)
	}
	return block, nil
}
