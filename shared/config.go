package shared

import (
	"os"
	"strconv"
	"time"
)

// Helper functions for environment variable handling
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func GetEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func GetEnvInt64OrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func GetEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// Config holds the node configuration. Every recognized option is read from
// the environment; no other knob changes behavior.
type Config struct {
	Port             int    // HTTP listen port
	VsockPort        uint32 // vsock listen port when running in an enclave
	EnclaveMode      bool   // serve on vsock, error-only logging
	Development      bool   // console debug logging
	KeyPath          string // signing-key persistence; empty means ephemeral
	TestMode         bool   // enables ?paid=true payment bypass
	AllowLegacy      bool   // enables the non-encrypted request branch
	PayTo            string // on-chain payment recipient
	PriceAmount      string // price in minor units
	Network          string // CAIP-2 network identifier
	PlatformAgentURL string // TEE platform agent RPC endpoint
	MaxInputSize     int    // maximum accepted input bytes
	ReplayCacheMax   int    // receipt replay cache capacity
	ReceiptValidity  time.Duration
	RateBurst        int
	RatePerSecond    int
}

// LoadConfig reads the node configuration from the environment.
func LoadConfig() *Config {
	return &Config{
		Port:             GetEnvIntOrDefault("PORT", 3402),
		VsockPort:        uint32(GetEnvIntOrDefault("VSOCK_PORT", 3402)),
		EnclaveMode:      GetEnvBoolOrDefault("ENCLAVE_MODE", false),
		Development:      GetEnvBoolOrDefault("DEVELOPMENT", false),
		KeyPath:          GetEnvOrDefault("KEY_PATH", ""),
		TestMode:         GetEnvBoolOrDefault("TEST_MODE", false),
		AllowLegacy:      GetEnvBoolOrDefault("ALLOW_LEGACY", false),
		PayTo:            GetEnvOrDefault("PAY_TO", ""),
		PriceAmount:      GetEnvOrDefault("PRICE_AMOUNT", "10000"),
		Network:          GetEnvOrDefault("NETWORK", "eip155:8453"),
		PlatformAgentURL: GetEnvOrDefault("PLATFORM_AGENT_URL", ""),
		MaxInputSize:     GetEnvIntOrDefault("MAX_INPUT_SIZE", 1<<20),
		ReplayCacheMax:   GetEnvIntOrDefault("REPLAY_CACHE_MAX", 10000),
		ReceiptValidity:  time.Duration(GetEnvIntOrDefault("RECEIPT_VALIDITY_SECONDS", 600)) * time.Second,
		RateBurst:        GetEnvIntOrDefault("RATE_BURST", 100),
		RatePerSecond:    GetEnvIntOrDefault("RATE_PER_SECOND", 10),
	}
}
