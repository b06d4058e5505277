package storeapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"

	"purchasekit/internal/models"
)

const jwksTTL = 30 * time.Minute

// DecodeSignedTransaction verifies a signed transaction payload against the
// store's published keys and decodes it.
func (c *Client) DecodeSignedTransaction(ctx context.Context, signed string) (models.Transaction, error) {
	payload, err := c.verifyJWS(ctx, signed)
	if err != nil {
		return models.Transaction{}, err
	}
	var txn models.Transaction
	if err := json.Unmarshal(payload, &txn); err != nil {
		return models.Transaction{}, err
	}
	txn.Raw = signed
	return txn, nil
}

func (c *Client) verifyJWS(ctx context.Context, token string) ([]byte, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("empty signed payload")
	}
	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.ES256})
	if err != nil {
		return nil, err
	}
	if len(jws.Signatures) == 0 {
		return nil, errors.New("missing signature")
	}
	key, err := c.lookupKey(ctx, jws.Signatures[0].Header.KeyID)
	if err != nil {
		return nil, err
	}
	return jws.Verify(&key)
}

func (c *Client) lookupKey(ctx context.Context, kid string) (jose.JSONWebKey, error) {
	set, err := c.fetchJWKS(ctx, false)
	if err != nil {
		return jose.JSONWebKey{}, err
	}
	keys := set.Key(kid)
	if len(keys) == 0 {
		// Keys may have been rotated since the last fetch.
		if set, err = c.fetchJWKS(ctx, true); err != nil {
			return jose.JSONWebKey{}, err
		}
		keys = set.Key(kid)
	}
	if len(keys) == 0 {
		return jose.JSONWebKey{}, fmt.Errorf("store jwk not found: %s", kid)
	}
	return keys[0], nil
}

func (c *Client) fetchJWKS(ctx context.Context, force bool) (*jose.JSONWebKeySet, error) {
	c.jwksMu.Lock()
	defer c.jwksMu.Unlock()

	if !force && c.jwks != nil && time.Until(c.jwksExpiry) > 0 {
		return c.jwks, nil
	}

	var set jose.JSONWebKeySet
	if err := c.doJSON(ctx, "fetch keys", http.MethodGet, "/v1/keys", nil, &set); err != nil {
		return nil, err
	}
	c.jwks = &set
	c.jwksExpiry = time.Now().Add(jwksTTL)
	return c.jwks, nil
}
