package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"bybx/internal/activation"
	bybxcli "bybx/internal/cli"
	apperrors "bybx/internal/errors"
	customMiddleware "bybx/internal/middleware"
	"bybx/pkg/contracts"
	"bybx/pkg/contracts/domain"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout).RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newApp(stdout io.Writer) *cli.App {
	return &cli.App{
		Name:    "bybx-pack",
		Version: contracts.GetFullVersionString(),
		Usage:   "Package content into envelopes in the local activation store",
		Flags: []cli.Flag{
			bybxcli.ConfigFileFlag,
			bybxcli.DBPathFlag,
			bybxcli.LogLevelFlag,
		},
		Commands: []*cli.Command{
			{
				Name:  "publish",
				Usage: "Seal a file under a new license",
				Flags: []cli.Flag{
					requiredFlag(bybxcli.OrderReferenceFlag),
					requiredUintFlag(bybxcli.ProductIDFlag),
					requiredFlag(bybxcli.InputFileFlag),
					bybxcli.DisplayNameFlag,
					bybxcli.OutputFileFlag,
				},
				Action: func(c *cli.Context) error {
					return withService(c, func(cfg *bybxcli.Config, service *activation.Service) error {
						return publish(c.Context, cfg, service, stdout)
					})
				},
			},
			{
				Name:  "list",
				Usage: "List published envelopes",
				Action: func(c *cli.Context) error {
					return withService(c, func(_ *bybxcli.Config, service *activation.Service) error {
						assets, err := service.ListAssets(c.Context)
						if err != nil {
							return err
						}
						enc := json.NewEncoder(stdout)
						enc.SetIndent("", "  ")
						return enc.Encode(assets)
					})
				},
			},
		},
	}
}

func requiredFlag(f *cli.StringFlag) *cli.StringFlag {
	clone := *f
	clone.Required = true
	return &clone
}

func requiredUintFlag(f *cli.UintFlag) *cli.UintFlag {
	clone := *f
	clone.Required = true
	return &clone
}

func withService(c *cli.Context, fn func(*bybxcli.Config, *activation.Service) error) error {
	cfg, err := bybxcli.NewConfigFromCLI(c)
	if err != nil {
		return err
	}

	secret := []byte(cfg.Storage.Secret)
	store, err := activation.NewStore(cfg.Storage.Path, secret)
	if err != nil {
		return fmt.Errorf("failed to open activation store: %w", err)
	}
	defer store.Close()

	binder, err := activation.NewBinder(secret)
	if err != nil {
		return err
	}
	return fn(cfg, activation.NewService(store, binder, cfg.Logger))
}

func publish(ctx context.Context, cfg *bybxcli.Config, service *activation.Service, stdout io.Writer) error {
	req := domain.PublishRequest{
		OrderReference: cfg.OrderReference,
		ProductID:      cfg.ProductID,
		DisplayName:    cfg.DisplayName,
	}
	validator := customMiddleware.NewValidationMiddleware(cfg.Logger, nil, 0)
	if err := validator.ValidateStruct(req); err != nil {
		return describeValidation(err)
	}

	content, err := os.ReadFile(cfg.InputFile)
	if err != nil {
		return err
	}

	info, err := service.Publish(ctx, req, content)
	if errors.Is(err, activation.ErrExists) {
		return fmt.Errorf("a license for %s/%d already exists", req.OrderReference, req.ProductID)
	}
	if err != nil {
		return err
	}

	if cfg.OutputFile != "" {
		data, err := service.Envelope(ctx, req.OrderReference, req.ProductID)
		if err != nil {
			return err
		}
		if err := os.WriteFile(cfg.OutputFile, data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", cfg.OutputFile, err)
		}
		cfg.Logger.InfoContext(ctx, "envelope written", slog.String("file", cfg.OutputFile))
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}

func describeValidation(err error) error {
	var apiErr *apperrors.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	details, ok := apiErr.Details.(apperrors.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(details.Errors))
	for _, e := range details.Errors {
		msgs = append(msgs, e.Message)
	}
	return fmt.Errorf("%s: %s", apiErr.Message, strings.Join(msgs, "; "))
}
