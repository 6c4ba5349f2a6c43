package config

import "time"

// Application constants
const (
	AppName = "bybx"

	// EnvPrefix namespaces every environment variable, e.g. BYBX_CLIENT_SERVICE_URL
	EnvPrefix = "BYBX"

	DefaultServiceURL      = "http://localhost:8080"
	DefaultClientTimeout   = 10 * time.Second
	DefaultSignalTimeout   = 2 * time.Second
	DefaultMaxEnvelopeSize = 256 << 20
	DefaultStoragePath     = "data/activation.db"

	// MinStorageSecretLength matches the key-sealing requirement of the store
	MinStorageSecretLength = 32
	// MinSigningSecretLength bounds the key-release signing secret
	MinSigningSecretLength = 32
)
