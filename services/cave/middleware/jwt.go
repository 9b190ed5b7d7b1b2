// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/AleutianAI/cave/pkg/extensions"
)

// DefaultIssuer is the iss claim on tokens issued by this server.
const DefaultIssuer = "cave"

// Claims is the JWT payload. The subject is the user id.
type Claims struct {
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthProvider validates HS256 tokens signed with a shared secret.
//
// # Description
//
// Tokens must carry a subject and must not be expired. Any parse,
// signature or claim failure is reported as ErrUnauthorized joined with
// the cause.
type JWTAuthProvider struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewJWTAuthProvider creates a provider for secret.
func NewJWTAuthProvider(secret []byte) *JWTAuthProvider {
	return &JWTAuthProvider{secret: secret, issuer: DefaultIssuer, now: time.Now}
}

// Validate implements extensions.AuthProvider.
func (p *JWTAuthProvider) Validate(_ context.Context, token string) (*extensions.AuthInfo, error) {
	if token == "" {
		return nil, errors.Join(extensions.ErrUnauthorized, errors.New("missing token"))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) {
			return p.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithIssuer(p.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil {
		return nil, errors.Join(extensions.ErrUnauthorized, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, errors.Join(extensions.ErrUnauthorized, errors.New("token has no subject"))
	}

	return &extensions.AuthInfo{
		UserID: claims.Subject,
		Email:  claims.Email,
		Roles:  claims.Roles,
	}, nil
}

// IssueToken signs a token for userID valid for ttl.
func (p *JWTAuthProvider) IssueToken(userID, email string, roles []string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("issue token: user id is required")
	}
	now := p.now()
	claims := Claims{
		Email: email,
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return signed, nil
}

var _ extensions.AuthProvider = (*JWTAuthProvider)(nil)
