package config

import (
	"fmt"
	"os"
	"strings"
)

// CredentialEnv maps service names to the variables holding their API keys
var CredentialEnv = map[string]string{
	"gemini": "GEMINI_API_KEY",
	"openai": "OPENAI_API_KEY",
	"video":  "VIDEO_API_KEY",
}

// EnvCredentials resolves API keys from the environment at the time of use,
// so keys loaded from .env or exported later are picked up
type EnvCredentials struct{}

func (EnvCredentials) Credential(name string) (string, error) {
	key, ok := CredentialEnv[name]
	if !ok {
		key = strings.ToUpper(name) + "_API_KEY"
	}
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("%s is not set", key)
	}
	return v, nil
}
