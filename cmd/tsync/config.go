package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/steveyegge/tablesync/internal/applier"
	"github.com/steveyegge/tablesync/internal/logging"
	"github.com/steveyegge/tablesync/internal/schema"
	"github.com/steveyegge/tablesync/internal/store"
	"github.com/steveyegge/tablesync/internal/ui"
)

// Setting keys.
const (
	keyDBDir         = "db.dir"
	keySchema        = "schema"
	keyLogLevel      = "log.level"
	keyLogFormat     = "log.format"
	keyLogFile       = "log.file"
	keyValidate      = "validate"
	keyColor         = "color"
	keyDashboardAddr = "dashboard.addr"
	keyInboxDir      = "inbox.dir"
	keyInboxDebounce = "inbox.debounce"
)

var v = viper.New()

// settings is the resolved configuration of one invocation.
type settings struct {
	DBDir         string
	Schema        string
	Log           logging.Config
	Validate      bool
	DashboardAddr string
	InboxDir      string
	InboxDebounce time.Duration
}

func registerFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String("config", "", "Config file (yaml, toml or json)")
	f.String("db-dir", ".tablesync", "Directory holding the store database")
	f.String("schema", "", "Schema file declaring tables and versions")
	f.String("log-level", "warn", "Log level (trace, debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json, color)")
	f.String("log-file", "", "Write logs to a rotating file instead of stderr")
	f.Bool("validate", false, "Validate records against the schema before applying")
	f.Bool("color", true, "Colorize output when writing to a terminal")

	bind := map[string]string{
		keyDBDir:     "db-dir",
		keySchema:    "schema",
		keyLogLevel:  "log-level",
		keyLogFormat: "log-format",
		keyLogFile:   "log-file",
		keyValidate:  "validate",
		keyColor:     "color",
	}
	for key, flag := range bind {
		_ = v.BindPFlag(key, f.Lookup(flag))
	}

	v.SetDefault(keyDashboardAddr, "127.0.0.1:8080")
	v.SetDefault(keyInboxDir, "inbox")
	v.SetDefault(keyInboxDebounce, 250*time.Millisecond)

	v.SetEnvPrefix("TSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

func initConfig(cmd *cobra.Command) error {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

func loadSettings() settings {
	log := logging.DefaultConfig()
	log.Level = v.GetString(keyLogLevel)
	log.Format = v.GetString(keyLogFormat)
	log.File = v.GetString(keyLogFile)

	if !v.GetBool(keyColor) {
		ui.SetColor(false)
	}

	return settings{
		DBDir:         v.GetString(keyDBDir),
		Schema:        v.GetString(keySchema),
		Log:           log,
		Validate:      v.GetBool(keyValidate),
		DashboardAddr: v.GetString(keyDashboardAddr),
		InboxDir:      v.GetString(keyInboxDir),
		InboxDebounce: v.GetDuration(keyInboxDebounce),
	}
}

// app holds the opened store of one command.
type app struct {
	cfg     settings
	logger  *logrus.Logger
	mgr     *store.Manager
	store   *store.Store
	applier *applier.Applier

	logCloser io.Closer
}

func openApp(ctx context.Context, cfg settings, opts ...applier.Option) (*app, error) {
	if cfg.Schema == "" {
		return nil, fmt.Errorf("no schema configured (use --schema or TSYNC_SCHEMA)")
	}
	reg, err := schema.LoadFile(cfg.Schema)
	if err != nil {
		return nil, err
	}

	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	storeOpts := store.DefaultOptions(cfg.DBDir)
	storeOpts.Logger = logging.Component(logger, "store")
	mgr := store.NewManager(reg, storeOpts)
	s, err := mgr.Open(ctx)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}

	opts = append([]applier.Option{
		applier.WithLogger(logging.Component(logger, "applier")),
		applier.WithValidation(cfg.Validate),
	}, opts...)

	return &app{
		cfg:       cfg,
		logger:    logger,
		mgr:       mgr,
		store:     s,
		applier:   applier.New(s, opts...),
		logCloser: closer,
	}, nil
}

func (a *app) Close() error {
	err := a.mgr.Close()
	_ = a.logCloser.Close()
	return err
}
