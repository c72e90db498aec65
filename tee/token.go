package tee

import (
	"fmt"
	"strings"

	jwt "github.com/golang-jwt/jwt/v5"
)

// MeasurementFromToken extracts the container image digest claim from a
// JWT-shaped attestation report (Confidential Space style tokens carry it at
// submods.container.image_digest). The token signature is NOT verified here;
// trust decisions over the report belong to external verifiers.
func MeasurementFromToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("tee: empty attestation token")
	}

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("tee: parse attestation token: %w", err)
	}

	submods, ok := claims["submods"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("tee: token has no submods claim")
	}
	container, ok := submods["container"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("tee: token has no container submod")
	}
	digest, ok := container["image_digest"].(string)
	if !ok || digest == "" {
		return "", fmt.Errorf("tee: token has no image_digest")
	}
	return digest, nil
}
