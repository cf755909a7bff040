package commands

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ZentaChain/zentalk-peer/pkg/config"
)

var (
	configPath string
	dataDir    string
	logLevel   string
	apiPort    int
)

// Execute runs the root command
func Execute() error {
	root := &cobra.Command{
		Use:           "zentalk-peer",
		Short:         "Direct peer-to-peer chat and file transfer",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (defaults apply when empty)")
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (overrides config)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().IntVar(&apiPort, "api-port", 0, "HTTP API port, -1 disables the API")

	root.AddCommand(listenCmd(), connectCmd())
	return root.Execute()
}

// loadConfig reads the config file and applies command line overrides
func loadConfig(cmd *cobra.Command, port int) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if apiPort != 0 {
		cfg.API.Port = apiPort
	}
	if cmd.Flags().Changed("port") {
		cfg.Node.Port = port
	}

	logger, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
