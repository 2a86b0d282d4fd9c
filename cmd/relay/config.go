package main

import (
	"github.com/CzarSimon/httputil/environ"
	"github.com/CzarSimon/httputil/jwt"
)

type config struct {
	port           string
	jwtCredentials jwt.Credentials
}

func getConfig() config {
	return config{
		port:           environ.Get("SERVICE_PORT", "8080"),
		jwtCredentials: getJwtCredentials(),
	}
}

// JWT verification is optional, leaving the secret empty runs the relay
// without authentication.
func getJwtCredentials() jwt.Credentials {
	return jwt.Credentials{
		Issuer: environ.Get("JWT_ISSUER", "call-manager"),
		Secret: environ.Get("JWT_SECRET", ""),
	}
}
