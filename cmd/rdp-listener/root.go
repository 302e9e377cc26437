//go:build linux

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/touka-aoi/rdp-listener/config"
	"github.com/touka-aoi/rdp-listener/core/metrics"
	"github.com/touka-aoi/rdp-listener/server"
)

// version is overridable at link time:
//
//	go build -ldflags "-X main.version=1.1.0"
var version = "0.1.0" //nolint:gochecknoglobals

func newRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:           "rdp-listener",
		Short:         "Multi-transport RDP connection listener",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "Path to a config file (yaml, toml, json)")
	_ = v.BindPFlag("config", root.PersistentFlags().Lookup("config"))

	root.AddCommand(newServeCmd(v), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rdp-listener %s\n", version)
		},
	}
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Open the configured endpoints and accept peers until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd, v)
		},
	}
	bindServeFlags(cmd.Flags(), v)
	return cmd
}

// bindServeFlags registers the serve flags and maps each one onto its
// config key.
func bindServeFlags(fs *flag.FlagSet, v *viper.Viper) {
	// ── endpoints ────────────────────────────────────────────────
	fs.StringSliceP("bind", "b", nil, `Bind address; "" for all interfaces, vsock://CID for VM sockets (repeatable)`)
	fs.IntP("port", "p", 3389, "TCP or vsock port")
	fs.StringSlice("local", nil, "Unix socket path (repeatable)")
	fs.IntSlice("fd", nil, "Inherited listening descriptor (repeatable)")
	fs.Int("backlog", 10, "Listen backlog")

	// ── policy ───────────────────────────────────────────────────
	fs.Bool("local-only", false, "Admit only local peers")
	fs.StringSlice("allow", nil, "CIDR allowed to connect (repeatable)")
	fs.Int("max-peers", 0, "Maximum live peers, 0 for no limit")

	// ── output ───────────────────────────────────────────────────
	fs.String("log-level", "info", "debug, info, warn or error")
	fs.String("log-file", "stderr", "stdout, stderr or a file path")

	for key, name := range map[string]string{
		"bind":              "bind",
		"port":              "port",
		"local":             "local",
		"fds":               "fd",
		"backlog":           "backlog",
		"policy.local_only": "local-only",
		"policy.allow":      "allow",
		"policy.max_peers":  "max-peers",
		"log.level":         "log-level",
		"log.file":          "log-file",
	} {
		_ = v.BindPFlag(key, fs.Lookup(name))
	}
}

func serve(cmd *cobra.Command, v *viper.Viper) error {
	ctx := cmd.Context()

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	defer cfg.Log.Close()

	logger := cfg.Logger()
	m := metrics.New()

	nsConfig := cfg.Server
	nsConfig.Logger = logger
	nsConfig.Metrics = m

	ns := server.NewNetworkServer(nsConfig, nil)
	if err := ns.Listen(ctx); err != nil {
		return err
	}

	logger.InfoContext(ctx, "Server ready to accept connections", "version", version, "endpoints", ns.Addrs())
	err = ns.Serve(ctx)
	if snapshot, jerr := m.JSON(); jerr != nil {
		logger.ErrorContext(ctx, "Failed to encode metrics", "error", jerr)
	} else {
		logger.InfoContext(ctx, "Server stopped", "metrics", snapshot)
	}
	return err
}
