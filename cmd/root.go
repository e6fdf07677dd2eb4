package cmd

import (
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fuzzbox/internal/config"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "fuzzbox",
	Short: "Fuzzbox - WebSocket conformance test server launcher",
	Long: `Fuzzbox launches the autobahn-testsuite fuzzing server in a disposable
container: it binds the config and report directories, publishes the
listener port, attaches your terminal and removes the container when the
run ends, however it ends. Point your WebSocket client at the published
port and collect the reports afterwards.`,
	Run: runLaunch,
}

// Execute runs the CLI. Build metadata is injected from main via ldflags.
func Execute(version, commit, date string) {
	setBuildInfo(version, commit, date)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./fuzzbox.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().Uint16("port", config.DefaultPort, "host port to publish the fuzzing server on")
	rootCmd.PersistentFlags().String("image", config.DefaultImage, "test server image reference")
	rootCmd.PersistentFlags().String("name", config.DefaultInstanceName, "container name for the session")
	rootCmd.PersistentFlags().String("config-dir", "", "test suite config directory (default: config/ next to the binary)")
	rootCmd.PersistentFlags().String("report-dir", "", "report output directory (default: reports/ next to the binary)")

	_ = viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))
	_ = viper.BindPFlag("image", rootCmd.PersistentFlags().Lookup("image"))
	_ = viper.BindPFlag("name", rootCmd.PersistentFlags().Lookup("name"))
	_ = viper.BindPFlag("config_dir", rootCmd.PersistentFlags().Lookup("config-dir"))
	_ = viper.BindPFlag("report_dir", rootCmd.PersistentFlags().Lookup("report-dir"))
}

func initConfig() {
	// .env next to the invocation is a convenience for FUZZBOX_* overrides.
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("fuzzbox")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if userConfigDir, err := os.UserConfigDir(); err == nil {
			viper.AddConfigPath(filepath.Join(userConfigDir, "fuzzbox"))
		}
	}

	viper.SetEnvPrefix("FUZZBOX")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		log.Debug("using config file", "file", viper.ConfigFileUsed())
	} else if cfgFile != "" {
		log.Fatal("failed to read config file", "file", cfgFile, "err", err)
	}

	if verbose {
		log.SetLevel(log.DebugLevel)
	}
}
