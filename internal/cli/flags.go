package cli

import "github.com/urfave/cli/v2"

var (
	ConfigFileFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "YAML config file; environment overrides are skipped when set",
		EnvVars: []string{"BYBX_CONFIG_FILE"},
	}

	ServiceURLFlag = &cli.StringFlag{
		Name:  "service-url",
		Usage: "Activation service base URL (e.g. https://activation.example.com)",
	}

	LogLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "Log level (debug, info, warn, error)",
	}

	OrderReferenceFlag = &cli.StringFlag{
		Name:    "order",
		Aliases: []string{"o"},
		Usage:   "Order reference of the license",
	}

	ProductIDFlag = &cli.UintFlag{
		Name:    "product",
		Aliases: []string{"p"},
		Usage:   "Product identifier of the license",
	}

	InputFileFlag = &cli.StringFlag{
		Name:    "in",
		Aliases: []string{"i"},
		Usage:   "Input file",
	}

	OutputFileFlag = &cli.StringFlag{
		Name:  "out",
		Usage: "Output file (defaults to stdout)",
	}

	DisplayNameFlag = &cli.StringFlag{
		Name:  "name",
		Usage: "Display name of the published asset",
	}

	DBPathFlag = &cli.StringFlag{
		Name:  "db",
		Usage: "Activation store path",
	}
)
