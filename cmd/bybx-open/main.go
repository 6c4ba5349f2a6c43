package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	bybxcli "bybx/internal/cli"
	apperrors "bybx/internal/errors"
	"bybx/internal/license"
	"bybx/internal/security"
	"bybx/pkg/contracts"
)

// Exit codes per failure kind
const (
	exitFormat     = 2
	exitTransport  = 3
	exitRejected   = 4
	exitDecryption = 5
	exitCanceled   = 130
)

type fingerprintFactory func(cfg *bybxcli.Config) security.FingerprintSource

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := newApp(hardwareFingerprints, os.Stdout)
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		code := 1
		var exitCoder cli.ExitCoder
		if errors.As(err, &exitCoder) {
			code = exitCoder.ExitCode()
		}
		stop()
		os.Exit(code)
	}
}

func hardwareFingerprints(cfg *bybxcli.Config) security.FingerprintSource {
	return security.NewGenerator(cfg.Logger, security.WithSignalTimeout(cfg.Client.SignalTimeout))
}

func newApp(fingerprints fingerprintFactory, stdout io.Writer) *cli.App {
	return &cli.App{
		Name:      "bybx-open",
		Version:   contracts.GetFullVersionString(),
		Usage:     "Decrypt a protected document for this device",
		ArgsUsage: " ",
		Flags: []cli.Flag{
			bybxcli.ConfigFileFlag,
			bybxcli.ServiceURLFlag,
			bybxcli.LogLevelFlag,
			bybxcli.OrderReferenceFlag,
			bybxcli.ProductIDFlag,
			bybxcli.InputFileFlag,
			bybxcli.OutputFileFlag,
		},
		ExitErrHandler: func(*cli.Context, error) {},
		Action: func(c *cli.Context) error {
			cfg, err := bybxcli.NewConfigFromCLI(c)
			if err != nil {
				return err
			}
			return openDocument(c.Context, cfg, fingerprints(cfg), stdout)
		},
	}
}

func openDocument(ctx context.Context, cfg *bybxcli.Config, fingerprints security.FingerprintSource, stdout io.Writer) error {
	client, err := license.NewClientFromConfig(cfg.Client, cfg.Logger)
	if err != nil {
		return err
	}

	data, err := readEnvelope(ctx, cfg, client)
	if err != nil {
		return exitError(err)
	}

	var opts []license.OpenOption
	if cfg.OrderReference != "" {
		opts = append(opts, license.WithExpectedOrder(cfg.OrderReference))
	}
	if cfg.ProductID != 0 {
		opts = append(opts, license.WithExpectedProduct(cfg.ProductID))
	}

	asset, err := license.NewOpener(fingerprints, client, cfg.Logger).Open(ctx, data, opts...)
	if err != nil {
		return exitError(err)
	}
	defer asset.Wipe()

	if cfg.OutputFile == "" {
		_, err = stdout.Write(asset.Data)
		return err
	}
	if err := os.WriteFile(cfg.OutputFile, asset.Data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", cfg.OutputFile, err)
	}
	cfg.Logger.InfoContext(ctx, "document written",
		slog.String("file", cfg.OutputFile),
		slog.Int("size", asset.Size()),
	)
	return nil
}

// readEnvelope loads the envelope from --in, or downloads it by order and
// product
func readEnvelope(ctx context.Context, cfg *bybxcli.Config, client *license.Client) ([]byte, error) {
	if cfg.InputFile != "" {
		info, err := os.Stat(cfg.InputFile)
		if err != nil {
			return nil, err
		}
		if info.Size() > cfg.Client.MaxEnvelopeSize {
			return nil, apperrors.NewFormatError(-1, "envelope exceeds %d bytes", cfg.Client.MaxEnvelopeSize)
		}
		return os.ReadFile(cfg.InputFile)
	}
	if cfg.OrderReference == "" || cfg.ProductID == 0 {
		return nil, errors.New("either --in or both --order and --product are required")
	}
	return client.FetchEnvelope(ctx, cfg.OrderReference, cfg.ProductID)
}

// exitError maps open failures to a user message and a per-kind exit code
func exitError(err error) error {
	code := 1
	switch apperrors.Classify(err) {
	case apperrors.KindFormat:
		code = exitFormat
	case apperrors.KindTransport:
		code = exitTransport
	case apperrors.KindRejected:
		code = exitRejected
	case apperrors.KindDecryption:
		code = exitDecryption
	case apperrors.KindCanceled:
		code = exitCanceled
	default:
		return err
	}
	return cli.Exit(apperrors.UserMessage(err), code)
}
