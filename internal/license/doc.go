// Package license opens hardware-bound envelopes on the client.
//
// # Open Flow
//
// Opener.Open composes the whole client side:
//
//  1. Parse the envelope header (format errors stop here)
//  2. Generate the device fingerprint
//  3. Bond an unbound envelope, Verify a bound one
//  4. Decrypt with the released key, then wipe the key
//
// A license rejection is terminal for the device and the ciphertext is
// never touched. Transport failures are retried inside the Client with
// exponential backoff; callers may re-run Open after a TransportFailure or
// DecryptionError.
//
// # Activation Protocol
//
//	POST /activation/bond    {orderReference, productId, fingerprint} -> {decryptionKey}
//	POST /activation/verify  {orderReference, productId, fingerprint} -> {decryptionKey}
//	GET  /assets/{orderReference}/{productId}                         -> envelope bytes
//
// Rejections arrive as RFC 7807 problem documents whose "code" extension
// names the reason (DEVICE_MISMATCH, LICENSE_NOT_FOUND, ALREADY_BOUND,
// NOT_BOUND).
//
// # Example
//
//	client, err := license.NewClient(license.ClientConfig{BaseURL: "https://licensing.example.com"}, logger)
//	opener := license.NewOpener(security.NewGenerator(logger), client, logger)
//	asset, err := opener.Open(ctx, data, license.WithExpectedProduct(42))
//	if err != nil {
//		fmt.Println(errors.UserMessage(err))
//		return
//	}
//	defer asset.Wipe()
//
// Nothing here caches fingerprints, keys or plaintext between opens.
package license
