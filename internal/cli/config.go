package cli

import (
	"fmt"
	"log/slog"
	"math"
	"os"

	"github.com/urfave/cli/v2"

	"bybx/internal/config"
	"bybx/internal/infrastructure"
)

// Config is the resolved configuration of a command invocation
type Config struct {
	*config.Config
	OrderReference string
	ProductID      uint32
	InputFile      string
	OutputFile     string
	DisplayName    string
	Logger         *slog.Logger
}

// NewConfigFromCLI loads the configuration and applies flag overrides.
// Logs always go to stderr since stdout may carry document content.
func NewConfigFromCLI(c *cli.Context) (*Config, error) {
	var (
		base *config.Config
		err  error
	)
	if path := c.String(ConfigFileFlag.Name); path != "" {
		base, err = config.LoadFile(path)
	} else {
		base, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if v := c.String(ServiceURLFlag.Name); v != "" {
		base.Client.ServiceURL = v
	}
	if v := c.String(LogLevelFlag.Name); v != "" {
		base.Logging.Level = v
	}
	if v := c.String(DBPathFlag.Name); v != "" {
		base.Storage.Path = v
	}
	if err := base.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	product := c.Uint(ProductIDFlag.Name)
	if product > math.MaxUint32 {
		return nil, fmt.Errorf("product %d does not fit in 32 bits", product)
	}

	return &Config{
		Config:         base,
		OrderReference: c.String(OrderReferenceFlag.Name),
		ProductID:      uint32(product),
		InputFile:      c.String(InputFileFlag.Name),
		OutputFile:     c.String(OutputFileFlag.Name),
		DisplayName:    c.String(DisplayNameFlag.Name),
		Logger:         infrastructure.NewLogger(os.Stderr, base.Logging.Level),
	}, nil
}
