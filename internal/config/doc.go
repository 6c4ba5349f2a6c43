// Package config loads bybx configuration.
//
// Values come from three sources, later ones overriding earlier ones:
//
//  1. Default()
//  2. a YAML file named by BYBX_CONFIG_FILE, or config.yaml / configs/config.yaml
//  3. BYBX_* environment variables
//
// Environment variable names follow the struct nesting:
//
//	BYBX_CLIENT_SERVICE_URL=https://activation.example.com
//	BYBX_CLIENT_RETRY_MAX_ATTEMPTS=5
//	BYBX_CLIENT_CERTIFICATE_PINS=<hex>,<hex>
//	BYBX_SERVER_PORT=8443
//	BYBX_STORAGE_SECRET=...
//	BYBX_LOGGING_LEVEL=debug
//	BYBX_TELEMETRY_TRACING=stdout
//
// Validate covers settings every binary uses. ValidateServer adds the
// activation service requirements (listen address, storage and its secret).
package config
