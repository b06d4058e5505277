package storeapi

import (
	"time"

	"github.com/golang-jwt/jwt"
)

const (
	tokenAudience = "purchasekit-store-v1"
	tokenLifetime = 10 * time.Minute
)

// bearerToken returns a cached ES256 token, re-signing it shortly before expiry.
func (c *Client) bearerToken() (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	now := time.Now().UTC()
	if c.token != "" && now.Before(c.tokenExpiry.Add(-time.Minute)) {
		return c.token, nil
	}
	exp := now.Add(tokenLifetime)
	claims := jwt.MapClaims{
		"iss": c.issuerID,
		"iat": now.Unix(),
		"exp": exp.Unix(),
		"aud": tokenAudience,
	}
	if c.bundleID != "" {
		claims["bid"] = c.bundleID
	}
	t := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	t.Header["kid"] = c.keyID
	signed, err := t.SignedString(c.key)
	if err != nil {
		return "", err
	}
	c.token = signed
	c.tokenExpiry = exp
	return signed, nil
}
