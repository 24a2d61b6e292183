// Package app wires the mcp-router command-line interface.
package app

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcp-router-go/pkg/configstore"
	mcprouter "github.com/vikashloomba/mcp-router-go/pkg/mcp-router"
	"github.com/vikashloomba/mcp-router-go/pkg/registry"
)

// OperationalError marks a failure that occurred after argument parsing
// succeeded. The process exits 2 for these and 1 for usage errors.
type OperationalError struct {
	Err error
}

func (e *OperationalError) Error() string { return e.Err.Error() }
func (e *OperationalError) Unwrap() error { return e.Err }

func operational(err error) error {
	if err == nil {
		return nil
	}
	return &OperationalError{Err: err}
}

type rootFlags struct {
	configPath  string
	catalogPath string
	indexPath   string
	authPath    string
	debug       bool
}

// NewRootCmd builds the mcp-router CLI. Running the bare binary serves.
func NewRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "mcp-router",
		Short:         "Aggregating MCP proxy with a bounded active set",
		Long:          "mcp-router exposes one MCP endpoint multiplexed over a catalog of downstream servers,\nkeeping at most a small LRU set of them alive at a time.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, flags)
		},
	}

	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "active-set config file (env MCP_CONFIG_PATH)")
	root.PersistentFlags().StringVar(&flags.catalogPath, "catalog", "mcp-registry.json", "server catalog file")
	root.PersistentFlags().StringVar(&flags.indexPath, "index", "enhanced-index.json", "embeddings index file")
	root.PersistentFlags().StringVar(&flags.authPath, "auth-file", "", "stored-credentials file (default next to catalog)")
	root.PersistentFlags().BoolVar(&flags.debug, "debug", false, "enable debug logging")

	root.AddCommand(newServeCmd(flags))
	root.AddCommand(newAddCmd(flags))
	root.AddCommand(newStoreAuthCmd(flags))

	return root
}

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the router (default command)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, flags)
		},
	}
}

func newAddCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "add <server>",
		Short: "Queue a catalogued server into the active set config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdd(cmd, flags, args[0])
		},
	}
}

func newStoreAuthCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "store-auth <server> KEY=VALUE ...",
		Short: "Persist credentials for a catalogued server",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStoreAuth(cmd, flags, args[0], args[1:])
		},
	}
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func resolveConfigPath(flags *rootFlags) string {
	if flags.configPath != "" {
		return flags.configPath
	}
	if env := os.Getenv("MCP_CONFIG_PATH"); env != "" {
		return env
	}
	return "mcp-config.json"
}

func newRegistry(flags *rootFlags, logger *slog.Logger) *registry.Registry {
	opts := registry.Options{
		CatalogPath: flags.catalogPath,
		IndexPath:   flags.indexPath,
		AuthPath:    flags.authPath,
		Logger:      logger,
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		opts.Embedder = registry.NewOpenAIBackend("", "", key)
	} else {
		logger.Info("OPENAI_API_KEY not set, search uses keyword scoring")
	}
	return registry.NewRegistry(opts)
}

func runServe(cmd *cobra.Command, flags *rootFlags) error {
	logger := newLogger(flags.debug)
	slog.SetDefault(logger)

	addr := ":9999"
	if port := os.Getenv("PORT"); port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return fmt.Errorf("PORT must be numeric, got %q", port)
		}
		addr = ":" + port
	}

	store := configstore.NewStore(resolveConfigPath(flags), logger)
	reg := newRegistry(flags, logger)

	router, err := mcprouter.NewRouter(store, reg, &mcprouter.Options{
		Addr:           addr,
		Logger:         logger,
		KeepServerOpen: os.Getenv("KEEP_SERVER_OPEN") == "1",
	})
	if err != nil {
		return operational(err)
	}

	ctx := cmd.Context()
	if err := router.Start(ctx); err != nil {
		return operational(err)
	}
	if err := router.ListenAndServe(ctx); err != nil {
		return operational(err)
	}
	return nil
}

// runAdd validates the server against the catalog and queues it in the
// config file. A running router picks the change up through its watcher
// when the server is new to the roster; a queue-only change is ignored by
// the watcher.
func runAdd(cmd *cobra.Command, flags *rootFlags, name string) error {
	logger := newLogger(flags.debug)
	reg := newRegistry(flags, logger)

	entry, err := reg.Lookup(name)
	if err != nil {
		known, _ := reg.KnownNames()
		return operational(fmt.Errorf("unknown server %q; known: %s", name, strings.Join(known, ", ")))
	}
	var required []string
	for _, req := range entry.ArgumentRequirements {
		if req.Required {
			required = append(required, req.Name)
		}
	}
	if len(required) > 0 {
		return operational(fmt.Errorf("%q requires launch arguments (%s); connect it through the add_new_mcp tool instead", name, strings.Join(required, ", ")))
	}
	if unmet := reg.UnsatisfiedAuth(entry); len(unmet) > 0 {
		names := make([]string, len(unmet))
		for i, u := range unmet {
			names[i] = u.Name
		}
		return operational(fmt.Errorf("%q requires credentials (%s); store them with store-auth first", name, strings.Join(names, ", ")))
	}

	store := configstore.NewStore(resolveConfigPath(flags), logger)
	cfg, err := store.Load()
	if err != nil {
		return operational(err)
	}
	if _, ok := cfg.Server(name); !ok {
		launch := entry.LaunchConfig(nil, reg.ResolvedEnv(entry))
		cfg.Servers = append(cfg.Servers, configstore.ServerEntry{
			Name:      name,
			Transport: configstore.FromServerConfig(launch),
		})
	}
	queued := false
	for _, q := range cfg.ActiveQueue {
		if q == name {
			queued = true
			break
		}
	}
	if !queued {
		cfg.ActiveQueue = append(cfg.ActiveQueue, name)
	}
	if err := store.Save(cfg); err != nil {
		return operational(err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "queued %q in %s\n", name, store.Path())
	return nil
}

func runStoreAuth(cmd *cobra.Command, flags *rootFlags, name string, pairs []string) error {
	values := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return fmt.Errorf("credentials must be KEY=VALUE, got %q", pair)
		}
		values[key] = value
	}

	logger := newLogger(flags.debug)
	reg := newRegistry(flags, logger)
	if _, err := reg.Lookup(name); err != nil {
		return operational(fmt.Errorf("unknown server %q", name))
	}
	if err := reg.Auth().Store(name, values); err != nil {
		return operational(err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "stored %d credential(s) for %q\n", len(values), name)
	return nil
}
