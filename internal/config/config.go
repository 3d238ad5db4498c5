// Package config parses the CLI surface using spf13/pflag in place of
// the stdlib flag package, since it needs a repeatable --peer flag
// that stdlib flag cannot express without a custom Value type —
// pflag's StringArray covers it directly.
package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

// Config holds the parsed CLI surface for one node.
type Config struct {
	NodeName string
	PubEndpoint string
	RouterEndpoint string
	Peers []string
	Debug bool
}

// Parse parses args (typically os.Args[1:]) into a Config: parse
// flags, validate the required ones, return *Config, error.
func Parse(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("halo", pflag.ContinueOnError)

	nodeName := fs.String("node-name", "", "this node's name (required)")
	pubEndpoint := fs.String("pub-endpoint", "", "broker publish/subscribe endpoint (required)")
	routerEndpoint := fs.String("router-endpoint", "", "broker router endpoint (required)")
	peers := fs.StringArray("peer", nil, "initial peer name (repeatable)")
	debug := fs.BoolP("debug", "d", false, "enable verbose logging")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		NodeName: *nodeName,
		PubEndpoint: *pubEndpoint,
		RouterEndpoint: *routerEndpoint,
		Peers: *peers,
		Debug: *debug,
	}

	if cfg.NodeName == "" {
		return nil, fmt.Errorf("config: --node-name is required")
	}
	if cfg.PubEndpoint == "" {
		return nil, fmt.Errorf("config: --pub-endpoint is required")
	}
	if cfg.RouterEndpoint == "" {
		return nil, fmt.Errorf("config: --router-endpoint is required")
	}

	return cfg, nil
}
