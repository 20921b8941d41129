package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/danmuck/token_ring/src/ring"
	logs "github.com/danmuck/smplog"
	"github.com/spf13/cobra"
)

const (
	envConfigPath     = "RINGSIM_CONFIG"
	defaultConfigPath = "./ringsim.toml"
)

// ringFlags are shared by every subcommand. A flag only overrides the file
// config when it was set on the command line.
type ringFlags struct {
	configPath  string
	nodes       int
	transport   string
	codec       string
	hopDelay    time.Duration
	maxRetries  int
	tracePath   string
	traceIdle   bool
	monitorAddr string
}

func newRootCmd() *cobra.Command {
	return buildRootCmd(&ringFlags{})
}

func buildRootCmd(flags *ringFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "ringsim",
		Short: "Simulate a token ring network of N nodes.",
		Long: "ringsim wires N nodes into a unidirectional ring, circulates a single token " +
			"and lets you inject messages between nodes. Use run for the interactive " +
			"controller or demo for a scripted run that prints the hop trace.",
		SilenceUsage: true,
	}

	defaults := ring.DefaultConfig()
	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "TOML ring config (default $"+envConfigPath+" or "+defaultConfigPath+")")
	pf.IntVarP(&flags.nodes, "nodes", "n", defaults.Nodes, "number of nodes in the ring")
	pf.StringVar(&flags.transport, "transport", defaults.Transport, "link transport: pipe or tcp")
	pf.StringVar(&flags.codec, "codec", defaults.Codec, "frame codec: fixed or proto")
	pf.DurationVar(&flags.hopDelay, "hop-delay", defaults.HopDelay, "pause at every node before forwarding")
	pf.IntVar(&flags.maxRetries, "max-retries", defaults.MaxRetries, "extra attempts for an undelivered message")
	pf.StringVar(&flags.tracePath, "trace", defaults.TracePath, "sqlite file to record hops into")
	pf.BoolVar(&flags.traceIdle, "trace-idle", defaults.TraceIdle, "record blank token hops as well")
	pf.StringVar(&flags.monitorAddr, "monitor", defaults.MonitorAddr, "serve the JSON status API on this address")

	root.AddCommand(newRunCmd(flags), newDemoCmd(flags))
	return root
}

// resolveConfig layers defaults, the config file and changed flags. nodesSet
// reports whether the ring size came from the file or a flag.
func resolveConfig(cmd *cobra.Command, flags *ringFlags) (cfg ring.Config, nodesSet bool, err error) {
	cfg = ring.DefaultConfig()

	path, explicit := flags.configPath, flags.configPath != ""
	if !explicit {
		if env := os.Getenv(envConfigPath); env != "" {
			path, explicit = env, true
		} else {
			path = defaultConfigPath
		}
	}
	if _, statErr := os.Stat(path); statErr == nil {
		before := cfg
		if cfg, err = ring.LoadConfig(path, cfg); err != nil {
			return cfg, false, err
		}
		nodesSet = cfg.Nodes != before.Nodes
		logs.Debugf("ring config: %s", path)
	} else if explicit {
		return cfg, false, fmt.Errorf("config %s: %w", path, statErr)
	} else if !errors.Is(statErr, os.ErrNotExist) {
		logs.Warnf("skipping %s: %v", path, statErr)
	}

	changed := cmd.Flags().Changed
	if changed("nodes") {
		cfg.Nodes = flags.nodes
		nodesSet = true
	}
	if changed("transport") {
		cfg.Transport = flags.transport
	}
	if changed("codec") {
		cfg.Codec = flags.codec
	}
	if changed("hop-delay") {
		cfg.HopDelay = flags.hopDelay
	}
	if changed("max-retries") {
		cfg.MaxRetries = flags.maxRetries
	}
	if changed("trace") {
		cfg.TracePath = flags.tracePath
	}
	if changed("trace-idle") {
		cfg.TraceIdle = flags.traceIdle
	}
	if changed("monitor") {
		cfg.MonitorAddr = flags.monitorAddr
	}
	return cfg, nodesSet, nil
}

func printConfig(cfg ring.Config) {
	logs.Printf("\n")
	logs.Field("Nodes", cfg.Nodes)
	logs.Printf("\n")
	logs.Field("Transport", cfg.Transport+"/"+cfg.Codec)
	logs.Printf("\n")
	logs.Field("Hop delay", cfg.HopDelay)
	logs.Printf("\n")
	logs.Field("Max retries", cfg.MaxRetries)
	logs.Printf("\n")
	if cfg.TracePath != "" {
		logs.Field("Trace", cfg.TracePath)
		logs.Printf("\n")
	}
	if cfg.MonitorAddr != "" {
		logs.Field("Monitor", cfg.MonitorAddr)
		logs.Printf("\n")
	}
}
