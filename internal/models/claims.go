package models

import "github.com/dgrijalva/jwt-go"

// Claims are the bearer token claims accepted by the HTTP API.
type Claims struct {
	Subject string `json:"sub_id"`
	Role    string `json:"role"`
	jwt.StandardClaims
}
