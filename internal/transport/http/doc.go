// Package http implements the HTTP surface of the activation service.
// Handlers stay thin: they decode and validate requests, call the
// ActivationService and render the result.
//
// # Routes
//
//	POST /activation/bond      bond an unbound license to a device, release the key
//	POST /activation/verify    release the key to the bonded device
//	GET  /assets/{ref}/{pid}   download the current envelope
//	GET  /healthz              liveness and store reachability
//	GET  /metrics              Prometheus exposition
//	GET  /admin/assets         list published envelopes (API key)
//	POST /admin/assets         publish content as a new license (API key)
//
// # Error Handling
//
// Every error is rendered as RFC 7807 Problem Details with a "code"
// extension. License rejections use dedicated problem types:
//
//	403 /errors/license/device-mismatch   DEVICE_MISMATCH
//	404 /errors/license/not-found         LICENSE_NOT_FOUND
//	409 /errors/license/already-bound     ALREADY_BOUND
//	409 /errors/license/not-bound         NOT_BOUND
//
// Clients treat these as terminal and every other failure as retryable.
//
// # Key Handling
//
// Released keys are hex encoded into the response and wiped from memory
// once rendered. Keys and full fingerprints are never logged.
package http
