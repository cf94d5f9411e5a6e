//go:build ignore

// gen-token prints a signed JWT for exercising auth-protected routes from
// load-test tooling. Run with: go run gen-token.go
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func main() {
	secret := os.Getenv("GATEWAY_JWT_SECRET")
	if secret == "" {
		secret = "integration-test-secret-key-32chars!!"
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "loadtest-user",
		"iss":   "nemo-gateway",
		"aud":   "nemo-api",
		"exp":   time.Now().Add(2 * time.Hour).Unix(),
		"scope": "read write",
	})
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(s)
}
