package segunda

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvBaseURL              = "SEGUNDA_API_BASE_URL"
	EnvAuthScheme           = "SEGUNDA_AUTH_SCHEME"
	EnvRequestTimeout       = "SEGUNDA_REQUEST_TIMEOUT"
	EnvIdentityProvider     = "SEGUNDA_IDENTITY_PROVIDER"
	EnvFirebaseAPIKey       = "SEGUNDA_FIREBASE_API_KEY"
	EnvFirebaseAuthURL      = "SEGUNDA_FIREBASE_AUTH_URL"
	EnvFirebaseTokenURL     = "SEGUNDA_FIREBASE_TOKEN_URL"
	EnvCredentialDir        = "SEGUNDA_CREDENTIAL_DIR"
	EnvCredentialPassphrase = "SEGUNDA_CREDENTIAL_PASSPHRASE"
	EnvRedisURL             = "SEGUNDA_REDIS_URL"
	EnvWatchCredentials     = "SEGUNDA_WATCH_CREDENTIALS"
	EnvMinPasswordLength    = "SEGUNDA_MIN_PASSWORD_LENGTH"
	EnvRefreshBuffer        = "SEGUNDA_REFRESH_BUFFER"
	EnvProfilePath          = "SEGUNDA_PROFILE_PATH"
)

// ConfigFromEnv builds a Config from SEGUNDA_* environment variables.
// Unset or unparsable values fall back to defaults.
func ConfigFromEnv() Config {
	cfg := Config{
		BaseURL:              GetEnv(EnvBaseURL, "http://localhost:8000"),
		AuthScheme:           GetEnv(EnvAuthScheme, ""),
		RequestTimeout:       getDuration(EnvRequestTimeout, DefaultRequestTimeout),
		IdentityProvider:     GetEnv(EnvIdentityProvider, ProviderFirebase),
		FirebaseAPIKey:       GetEnv(EnvFirebaseAPIKey, ""),
		FirebaseAuthURL:      GetEnv(EnvFirebaseAuthURL, ""),
		FirebaseTokenURL:     GetEnv(EnvFirebaseTokenURL, ""),
		CredentialDir:        GetEnv(EnvCredentialDir, defaultCredentialDir()),
		CredentialPassphrase: GetEnv(EnvCredentialPassphrase, ""),
		RedisURL:             GetEnv(EnvRedisURL, ""),
		WatchCredentials:     getBool(EnvWatchCredentials, false),
		MinPasswordLength:    getInt(EnvMinPasswordLength, DefaultMinPasswordLength),
		RefreshBuffer:        getDuration(EnvRefreshBuffer, DefaultRefreshBuffer),
		ProfilePath:          GetEnv(EnvProfilePath, DefaultProfilePath),
	}
	return cfg.WithDefaults()
}

// GetEnv returns the value of key, or fallback when it is unset or empty.
func GetEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(GetEnv(key, ""))
	if err != nil {
		return fallback
	}
	return d
}

func getInt(key string, fallback int) int {
	n, err := strconv.Atoi(GetEnv(key, ""))
	if err != nil {
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	b, err := strconv.ParseBool(GetEnv(key, ""))
	if err != nil {
		return fallback
	}
	return b
}

func defaultCredentialDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".segunda"
	}
	return filepath.Join(dir, "segunda")
}
