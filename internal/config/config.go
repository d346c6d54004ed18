// Package config loads the server configuration from environment
// variables, generating and persisting the secrets (JWT signing key, VAPID
// key pair) on first start so restarts keep sessions and push
// subscriptions valid.
package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Config struct {
	HTTPPort     string
	HTTPSPort    string
	Domain       string
	HTTPOnly     bool
	TURNPort     int
	TURNRealm    string
	DatabasePath string
	JWTSecret    string
	VAPIDKeys    *VAPIDKeys
}

type VAPIDKeys struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

func Load() *Config {
	return &Config{
		HTTPPort:     getEnv("HTTP_PORT", "8080"),
		HTTPSPort:    getEnv("HTTPS_PORT", "8443"),
		Domain:       getEnv("DOMAIN", ""),
		HTTPOnly:     getEnvBool("HTTP_ONLY", false),
		TURNPort:     getEnvInt("TURN_PORT", 3478),
		TURNRealm:    getEnv("TURN_REALM", "healthconnect"),
		DatabasePath: getEnv("DATABASE_PATH", "healthconnect.db"),
		JWTSecret:    loadOrGenerateJWTSecret(),
		VAPIDKeys:    loadVAPIDKeys(),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func loadOrGenerateJWTSecret() string {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		return secret
	}

	keysDir := keysDirectory()
	secretFile := filepath.Join(keysDir, "jwt-secret.key")

	if data, err := os.ReadFile(secretFile); err == nil {
		if secret := strings.TrimSpace(string(data)); secret != "" {
			return secret
		}
	}

	secret := generateRandomSecret()
	if err := os.MkdirAll(keysDir, 0700); err == nil {
		if err := os.WriteFile(secretFile, []byte(secret), 0600); err != nil {
			fmt.Fprintf(os.Stderr, "warning: jwt secret not persisted: %v\n", err)
		}
	}
	return secret
}

func generateRandomSecret() string {
	bytes := make([]byte, 32)
	_, _ = rand.Read(bytes)
	return base64.URLEncoding.EncodeToString(bytes)
}

// loadVAPIDKeys returns the web-push signing keys, from the environment,
// from the keys directory, or freshly generated. The private key is stored
// as the raw 32-byte P-256 scalar, the format webpush-go expects.
func loadVAPIDKeys() *VAPIDKeys {
	publicKey := os.Getenv("VAPID_PUBLIC_KEY")
	privateKey := os.Getenv("VAPID_PRIVATE_KEY")
	if publicKey != "" && privateKey != "" {
		return &VAPIDKeys{
			PublicKey:  publicKey,
			PrivateKey: privateKey,
			Subject:    getEnv("VAPID_SUBJECT", "mailto:admin@healthconnect.app"),
		}
	}

	keysDir := keysDirectory()
	publicKeyFile := filepath.Join(keysDir, "vapid-public.key")
	privateKeyFile := filepath.Join(keysDir, "vapid-private.key")

	if publicData, err := os.ReadFile(publicKeyFile); err == nil {
		if privateData, err := os.ReadFile(privateKeyFile); err == nil {
			private := strings.TrimSpace(string(privateData))
			if decoded, err := base64.RawURLEncoding.DecodeString(private); err == nil && len(decoded) == 32 {
				return &VAPIDKeys{
					PublicKey:  strings.TrimSpace(string(publicData)),
					PrivateKey: private,
					Subject:    getEnv("VAPID_SUBJECT", "mailto:admin@healthconnect.app"),
				}
			}
			// Unreadable or wrong format: regenerate below.
			os.Remove(publicKeyFile)
			os.Remove(privateKeyFile)
		}
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic("generate vapid keys: " + err.Error())
	}

	// Browsers want the uncompressed 65-byte public point.
	publicBytes := make([]byte, 65)
	publicBytes[0] = 0x04
	key.PublicKey.X.FillBytes(publicBytes[1:33])
	key.PublicKey.Y.FillBytes(publicBytes[33:65])

	privateBytes := make([]byte, 32)
	key.D.FillBytes(privateBytes)

	keys := &VAPIDKeys{
		PublicKey:  base64.RawURLEncoding.EncodeToString(publicBytes),
		PrivateKey: base64.RawURLEncoding.EncodeToString(privateBytes),
		Subject:    getEnv("VAPID_SUBJECT", "mailto:admin@healthconnect.app"),
	}

	if err := os.MkdirAll(keysDir, 0700); err == nil {
		_ = os.WriteFile(publicKeyFile, []byte(keys.PublicKey), 0600)
		_ = os.WriteFile(privateKeyFile, []byte(keys.PrivateKey), 0600)
	}
	return keys
}

func keysDirectory() string {
	execPath, err := os.Executable()
	if err != nil {
		return "keys"
	}
	return filepath.Join(filepath.Dir(execPath), "keys")
}
