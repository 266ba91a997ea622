package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

// VerifyIngestToken checks the bearer token an ingestion source presents.
func VerifyIngestToken(r *http.Request, expected string) error {
	return VerifyBearer(r.Header.Get("Authorization"), expected)
}

// VerifyBearer checks an Authorization header value. An empty expected token disables ingestion.
func VerifyBearer(header, expected string) error {
	if expected == "" {
		return fmt.Errorf("ingestion is disabled")
	}
	if header == "" {
		return fmt.Errorf("no authorization header")
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return fmt.Errorf("authorization header is not a bearer token")
	}

	if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		return fmt.Errorf("invalid ingest token")
	}
	return nil
}
