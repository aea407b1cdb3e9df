package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/rivo/tview"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/rsulzmann/repmachine/internal/link"
	"github.com/rsulzmann/repmachine/internal/machine"
	"github.com/rsulzmann/repmachine/internal/store"
	"github.com/rsulzmann/repmachine/internal/ui"
)

const (
	configKey = "config"
	targetKey = "target"
)

func main() {
	config, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "repmachine: %v\n", err)
		os.Exit(1)
	}

	logWriter := &lumberjack.Logger{
		Filename:   config.logFile,
		MaxSize:    config.logMaxSizeMB,
		MaxBackups: 3,
	}
	logger := log.New(logWriter, "", log.LstdFlags)
	logger.Printf("repmachine starting, machine at %s", config.host)

	st := store.New(config.dataDir, logger, func(err error) {
		logger.Printf("store error: %v", err)
	})

	conn, err := link.NewConn("ws://"+config.host+"/ws", logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "repmachine: %v\n", err)
		os.Exit(1)
	}

	baseURL := "http://" + config.host
	catalog := machine.NewCatalog(baseURL, nil, logger)
	dispatcher := machine.NewDispatcher(baseURL, nil, conn, logger)
	ledger := machine.NewLedger(st, logger)
	registry := machine.NewRegistry(st, logger)
	for _, name := range config.users {
		if err := registry.Add(machine.User{Name: name}); err != nil {
			logger.Printf("user %q not added: %v", name, err)
		}
	}
	session := machine.NewSession(ledger, catalog, dispatcher, logger)

	applyPersistedState(st, session)

	controller := machine.NewController(conn, session, catalog, registry, logger)
	controller.Start()

	app := tview.NewApplication()
	dashboard := ui.NewDashboard(app, session, catalog, registry, ledger, dispatcher, controller, conn, logger)
	dashboard.Initialize()

	// Mirror the log into the in-app panel once it exists.
	logger.SetOutput(io.MultiWriter(logWriter, dashboard.LogWriter()))

	runErr := dashboard.Run()

	dashboard.Shutdown()
	controller.Shutdown()
	session.Shutdown()
	conn.Shutdown()
	persistState(st, session)
	logger.Println("repmachine exited")

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "repmachine: %v\n", runErr)
		os.Exit(1)
	}
}

type appFlags struct {
	host         string
	dataDir      string
	logFile      string
	logMaxSizeMB int
	users        []string
}

// loadConfig layers defaults, an optional repmachine.yaml, REPMACHINE_*
// environment variables and command line flags, strongest last.
func loadConfig() (appFlags, error) {
	pflag.String("host", "repmachine.local", "machine hostname or address")
	pflag.String("data-dir", defaultDataDir(), "directory for local state")
	pflag.String("log-file", "", "log file path (defaults to <data-dir>/repmachine.log)")
	pflag.Int("log-max-size-mb", 10, "rotate the log after this many megabytes")
	pflag.StringSlice("user", nil, "user profile to create at startup (repeatable)")
	pflag.Parse()

	v := viper.New()
	v.SetDefault("host", "repmachine.local")
	v.SetDefault("data-dir", defaultDataDir())
	v.SetDefault("log-max-size-mb", 10)
	v.SetEnvPrefix("REPMACHINE")
	v.AutomaticEnv()
	if err := v.BindPFlags(pflag.CommandLine); err != nil {
		return appFlags{}, err
	}

	v.SetConfigName("repmachine")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(defaultDataDir())
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return appFlags{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	config := appFlags{
		host:         v.GetString("host"),
		dataDir:      v.GetString("data-dir"),
		logFile:      v.GetString("log-file"),
		logMaxSizeMB: v.GetInt("log-max-size-mb"),
		users:        v.GetStringSlice("user"),
	}
	if config.logFile == "" {
		config.logFile = filepath.Join(config.dataDir, "repmachine.log")
	}
	if err := os.MkdirAll(config.dataDir, 0o755); err != nil {
		return appFlags{}, fmt.Errorf("creating data dir: %w", err)
	}
	return config, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".repmachine"
	}
	return filepath.Join(home, ".repmachine")
}

func applyPersistedState(st *store.Store, session *machine.Session) {
	var config machine.AppConfig
	if st.Load(configKey, &config) {
		session.SetConfig(config)
	}
	var target machine.RepTarget
	if st.Load(targetKey, &target) {
		session.SetRepTarget(target)
	}
}

func persistState(st *store.Store, session *machine.Session) {
	snap := session.Snapshot()
	st.Save(configKey, snap.Config)
	st.Save(targetKey, snap.Target)
}
