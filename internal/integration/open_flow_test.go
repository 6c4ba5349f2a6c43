package integration

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"bybx/internal/activation"
	"bybx/internal/envelope"
	apperrors "bybx/internal/errors"
	"bybx/internal/license"
	"bybx/internal/security"
	"bybx/internal/shared/testutil"
	handlers "bybx/internal/transport/http"
	"bybx/pkg/contracts/domain"
)

// OpenFlowTestSuite drives the client open flow against a live activation
// service backed by SQLite
type OpenFlowTestSuite struct {
	suite.Suite
	store   *activation.Store
	service *activation.Service
	server  *httptest.Server
	client  *license.Client
	logs    *testutil.BufferedSlogHandler
	logger  *slog.Logger
}

func (s *OpenFlowTestSuite) SetupTest() {
	s.logger, s.logs = testutil.NewTestLogger(s.T())
	secret := testutil.StorageSecret()

	store, err := activation.NewStore(testutil.TempDBPath(s.T()), secret)
	s.Require().NoError(err)
	binder, err := activation.NewBinder(secret)
	s.Require().NoError(err)

	s.store = store
	s.service = activation.NewService(store, binder, s.logger)
	s.server = httptest.NewServer(handlers.NewRouter(handlers.RouterOptions{
		Service:       s.service,
		Logger:        s.logger,
		MaxBodySize:   64 << 10,
		MaxUploadSize: 1 << 20,
	}))

	s.client = s.newClient(s.server.URL)
	s.publish(testutil.ProductID)
}

func (s *OpenFlowTestSuite) TearDownTest() {
	s.server.Close()
	s.store.Close()
}

func (s *OpenFlowTestSuite) newClient(baseURL string) *license.Client {
	client, err := license.NewClient(license.ClientConfig{
		BaseURL: baseURL,
		Timeout: 5 * time.Second,
		Retry: license.RetryConfig{
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
			Multiplier:   1,
		},
	}, s.logger)
	s.Require().NoError(err)
	return client
}

func (s *OpenFlowTestSuite) publish(productID uint32) {
	_, err := s.service.Publish(context.Background(), domain.PublishRequest{
		OrderReference: testutil.OrderReference,
		ProductID:      productID,
		DisplayName:    testutil.DisplayName,
	}, testutil.Document())
	s.Require().NoError(err)
}

func (s *OpenFlowTestSuite) fetch(productID uint32) []byte {
	data, err := s.client.FetchEnvelope(context.Background(), testutil.OrderReference, productID)
	s.Require().NoError(err)
	return data
}

func (s *OpenFlowTestSuite) opener(fingerprint string) *license.Opener {
	return license.NewOpener(security.Static(fingerprint), s.client, s.logger)
}

func (s *OpenFlowTestSuite) TestBondThenVerifyOnSameDevice() {
	ctx := context.Background()

	unbound := s.fetch(testutil.ProductID)
	env, err := envelope.Parse(unbound)
	s.Require().NoError(err)
	s.False(env.IsBound())

	asset, err := s.opener(testutil.FingerprintF1).Open(ctx, unbound)
	s.Require().NoError(err)
	s.Equal(testutil.Document(), asset.Data)
	s.Equal(testutil.OrderReference, asset.OrderReference)
	s.Equal(testutil.ProductID, asset.ProductID)
	asset.Wipe()

	// The service stamps the stored envelope on bond
	bound := s.fetch(testutil.ProductID)
	env, err = envelope.Parse(bound)
	s.Require().NoError(err)
	s.True(env.IsBound())

	asset, err = s.opener(testutil.FingerprintF1).Open(ctx, bound)
	s.Require().NoError(err)
	s.Equal(testutil.Document(), asset.Data)

	s.False(s.logs.ContainsText(testutil.FingerprintF1), "fingerprints are never logged in full")
}

func (s *OpenFlowTestSuite) TestBoundEnvelopeRejectsOtherDevice() {
	ctx := context.Background()

	_, err := s.opener(testutil.FingerprintF1).Open(ctx, s.fetch(testutil.ProductID))
	s.Require().NoError(err)

	_, err = s.opener(testutil.FingerprintF2).Open(ctx, s.fetch(testutil.ProductID))
	s.Require().Error(err)

	var rejected *apperrors.LicenseRejected
	s.Require().ErrorAs(err, &rejected)
	s.Equal(apperrors.ReasonDeviceMismatch, rejected.Reason)
	s.Equal(apperrors.KindRejected, apperrors.Classify(err))
	s.False(apperrors.IsRetryable(err))
}

func (s *OpenFlowTestSuite) TestStaleUnboundCopy() {
	ctx := context.Background()
	stale := s.fetch(testutil.ProductID)

	_, err := s.opener(testutil.FingerprintF1).Open(ctx, stale)
	s.Require().NoError(err)

	// Bonding again from the first device is idempotent
	asset, err := s.opener(testutil.FingerprintF1).Open(ctx, stale)
	s.Require().NoError(err)
	s.Equal(testutil.Document(), asset.Data)

	_, err = s.opener(testutil.FingerprintF2).Open(ctx, stale)
	var rejected *apperrors.LicenseRejected
	s.Require().ErrorAs(err, &rejected)
	s.Equal(apperrors.ReasonAlreadyBound, rejected.Reason)
}

func (s *OpenFlowTestSuite) TestTamperedCiphertext() {
	ctx := context.Background()
	data := s.fetch(testutil.ProductID)
	data[len(data)-1] ^= 0xFF

	_, err := s.opener(testutil.FingerprintF1).Open(ctx, data)
	s.Require().Error(err)
	s.Equal(apperrors.KindDecryption, apperrors.Classify(err))
}

func (s *OpenFlowTestSuite) TestTamperedHeader() {
	ctx := context.Background()
	data := s.fetch(testutil.ProductID)
	// Product id is authenticated, so the key for product 43 cannot open it
	s.publish(43)
	data[envelope.ProductIDOffset+3] = 43

	_, err := s.opener(testutil.FingerprintF1).Open(ctx, data)
	s.Require().Error(err)
	s.Equal(apperrors.KindDecryption, apperrors.Classify(err))
}

func (s *OpenFlowTestSuite) TestUnknownLicense() {
	_, err := s.client.FetchEnvelope(context.Background(), testutil.OrderReference, 7)
	var rejected *apperrors.LicenseRejected
	s.Require().ErrorAs(err, &rejected)
	s.Equal(apperrors.ReasonNotFound, rejected.Reason)
}

func (s *OpenFlowTestSuite) TestMalformedEnvelopeNeverContactsService() {
	_, err := s.opener(testutil.FingerprintF1).Open(context.Background(), []byte("BYBX"))
	s.Require().Error(err)
	s.Equal(apperrors.KindFormat, apperrors.Classify(err))
	s.False(s.logs.ContainsMessage("request completed"))
}

func (s *OpenFlowTestSuite) TestServiceUnreachable() {
	data := s.fetch(testutil.ProductID)

	offline := httptest.NewServer(nil)
	offline.Close()
	opener := license.NewOpener(security.Static(testutil.FingerprintF1), s.newClient(offline.URL), s.logger)

	_, err := opener.Open(context.Background(), data)
	s.Require().Error(err)
	s.Equal(apperrors.KindTransport, apperrors.Classify(err))
	s.True(apperrors.IsRetryable(err))
}

func (s *OpenFlowTestSuite) TestCanceledBeforeActivation() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.opener(testutil.FingerprintF1).Open(ctx, s.fetch(testutil.ProductID))
	s.Require().Error(err)
	s.Equal(apperrors.KindCanceled, apperrors.Classify(err))

	lic, err := s.store.GetLicense(context.Background(), testutil.OrderReference, testutil.ProductID)
	s.Require().NoError(err)
	s.False(lic.Bound(), "a canceled open leaves the license unbound")
}

func TestOpenFlowTestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration suite in short mode")
	}
	suite.Run(t, new(OpenFlowTestSuite))
}

func TestConcurrentBondsBindOnce(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	secret := testutil.StorageSecret()
	store, err := activation.NewStore(testutil.TempDBPath(t), secret)
	require.NoError(t, err)
	defer store.Close()
	binder, err := activation.NewBinder(secret)
	require.NoError(t, err)
	service := activation.NewService(store, binder, logger)

	_, err = service.Publish(context.Background(), domain.PublishRequest{
		OrderReference: testutil.OrderReference, ProductID: testutil.ProductID,
	}, testutil.Document())
	require.NoError(t, err)

	server := httptest.NewServer(handlers.NewRouter(handlers.RouterOptions{Service: service, Logger: logger}))
	defer server.Close()
	client, err := license.NewClient(license.ClientConfig{BaseURL: server.URL}, logger)
	require.NoError(t, err)

	data, err := client.FetchEnvelope(context.Background(), testutil.OrderReference, testutil.ProductID)
	require.NoError(t, err)

	devices := []string{testutil.FingerprintF1, testutil.FingerprintF2}
	results := make(chan error, len(devices))
	for _, fp := range devices {
		go func(fp string) {
			_, err := license.NewOpener(security.Static(fp), client, logger).Open(context.Background(), data)
			results <- err
		}(fp)
	}

	var succeeded, rejected int
	for range devices {
		err := <-results
		if err == nil {
			succeeded++
			continue
		}
		var lr *apperrors.LicenseRejected
		if assert.ErrorAs(t, err, &lr) {
			assert.Equal(t, apperrors.ReasonAlreadyBound, lr.Reason)
			rejected++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, rejected)
}

func TestSignedReleaseOpens(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	secret := testutil.StorageSecret()
	store, err := activation.NewStore(testutil.TempDBPath(t), secret)
	require.NoError(t, err)
	defer store.Close()
	binder, err := activation.NewBinder(secret)
	require.NoError(t, err)
	service := activation.NewService(store, binder, logger)

	_, err = service.Publish(context.Background(), domain.PublishRequest{
		OrderReference: testutil.OrderReference, ProductID: testutil.ProductID,
	}, testutil.Document())
	require.NoError(t, err)

	signingSecret := []byte("release-signing-secret-0123456789abcdef")
	signer, err := security.NewReleaseSigner(signingSecret)
	require.NoError(t, err)
	server := httptest.NewServer(handlers.NewRouter(handlers.RouterOptions{Service: service, Logger: logger, ReleaseSigner: signer}))
	defer server.Close()

	newClient := func(secret []byte) *license.Client {
		verifier, err := security.NewReleaseSigner(secret)
		require.NoError(t, err)
		client, err := license.NewClient(license.ClientConfig{
			BaseURL:         server.URL,
			Retry:           license.RetryConfig{MaxAttempts: 1, Multiplier: 1},
			ReleaseVerifier: verifier,
		}, logger)
		require.NoError(t, err)
		return client
	}

	client := newClient(signingSecret)
	data, err := client.FetchEnvelope(context.Background(), testutil.OrderReference, testutil.ProductID)
	require.NoError(t, err)

	asset, err := license.NewOpener(security.Static(testutil.FingerprintF1), client, logger).Open(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, testutil.Document(), asset.Data)

	// a client holding another secret refuses the release
	impostor := newClient([]byte("some-other-signing-secret-0123456789ab"))
	_, err = license.NewOpener(security.Static(testutil.FingerprintF1), impostor, logger).Open(context.Background(), data)
	require.ErrorIs(t, err, security.ErrSignatureInvalid)
	assert.Equal(t, apperrors.KindTransport, apperrors.Classify(err))
}
