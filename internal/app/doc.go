// Package app wires the activation service: configuration, telemetry, the
// SQLite activation store, the HTTP router and the server lifecycle.
//
// # Initialization Flow
//
//  1. Validate the server configuration (storage secret, limits, TLS pair)
//  2. Initialize OpenTelemetry (stdout traces, Prometheus metrics)
//  3. Open the activation store and derive the binder key
//  4. Build the chi router with middleware
//  5. Listen and serve until canceled, then shut down gracefully
//
// # Usage
//
//	cfg, _ := config.Load()
//	logger, _ := infrastructure.InitializeLogger(cfg.Logging)
//	application, err := app.NewApplication(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return application.Run(ctx)
package app
