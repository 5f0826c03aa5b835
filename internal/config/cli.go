package config

import (
	"github.com/urfave/cli"
)

// Flags returns the urfave/cli flag set accepted by cmd/supernode, kept
// in this package since every flag just names a path into Config.
func Flags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{Name: "config", Value: "supernode.conf", Usage: "path to the TOML configuration file"},
		cli.StringFlag{Name: "http-address", Usage: "override http_address from the config file"},
		cli.IntFlag{Name: "log-level", Value: -1, Usage: "override log_level; -1 leaves the config file's value"},
	}
}

// ApplyFlags layers CLI overrides onto a loaded Config.
func ApplyFlags(cfg *Config, c *cli.Context) {
	if v := c.String("http-address"); v != "" {
		cfg.HTTPAddress = v
	}
	if v := c.Int("log-level"); v >= 0 {
		cfg.LogLevel = v
	}
}
