// File: cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoattend/internal/config"
	"github.com/xkilldash9x/autoattend/internal/observability"
)

// envPrefix namespaces every environment override, e.g. AUTOATTEND_PORTAL_PASSWORD.
const envPrefix = "AUTOATTEND"

// app carries the state shared by all subcommands of one invocation.
type app struct {
	cfgFile string
	envFile string
	v       *viper.Viper
	cfg     *config.Config
	factory ComponentFactory
}

func newRootCmd(factory ComponentFactory) *cobra.Command {
	a := &app{v: viper.New(), factory: factory}

	rootCmd := &cobra.Command{
		Use:           "autoattend",
		Short:         "Clocks in and out of the attendance portal on schedule.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before the environment is read")

	rootCmd.AddCommand(newRunCmd(a))
	rootCmd.AddCommand(newPunchCmd(a))
	rootCmd.AddCommand(newSolveCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// Execute runs the root command with the context passed from main.go.
func Execute(ctx context.Context) error {
	rootCmd := newRootCmd(NewComponentFactory())
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		// context.Canceled during shutdown is expected.
		if ctx.Err() == nil {
			observability.GetLogger().Error("Command execution failed", zap.Error(err))
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return err
	}
	return nil
}

// setup loads the dotenv file, reads and validates the configuration and
// initializes the global logger.
func (a *app) setup() error {
	if err := loadEnvFile(a.envFile); err != nil {
		return err
	}

	if err := a.initializeConfig(); err != nil {
		basicLogger, _ := zap.NewDevelopment()
		basicLogger.Error("Failed to initialize configuration", zap.Error(err))
		return fmt.Errorf("failed to initialize configuration: %w", err)
	}

	cfg, err := config.Load(a.v)
	if err != nil {
		observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "autoattend"})
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	a.cfg = cfg

	observability.InitializeLogger(cfg.Logger)
	observability.GetLogger().Info("Starting autoattend", zap.String("version", Version))
	return nil
}

// initializeConfig reads in config file and ENV variables if set.
func (a *app) initializeConfig() error {
	config.SetDefaults(a.v)

	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else {
		a.v.AddConfigPath(".")
		a.v.SetConfigName("config")
		a.v.SetConfigType("yaml")
	}

	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()

	// Unmarshal only sees keys viper already knows about.
	for _, key := range []string{"portal.base_url", "portal.username", "portal.password", "portal.marker",
		"network.proxy.url", "network.proxy.username", "network.proxy.password", "metrics.listen"} {
		_ = a.v.BindEnv(key)
	}

	if err := a.v.ReadInConfig(); err != nil {
		// Without --config a missing file is fine; parse errors are not.
		var notFound viper.ConfigFileNotFoundError
		if a.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %q: %w", path, err)
	}
	return nil
}
