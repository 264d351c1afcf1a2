package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/vqtools/qrun/internal/log"
	"github.com/vqtools/qrun/internal/model"

	"github.com/spf13/cobra"
)

var (
	userConfigPath string // default config dir for qrun on given OS
	configPath     string // actual config file used
	config         *model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag

	flagCleanLogs    bool
	flagCleanResults bool
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "qrun")
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is qrun.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	cleanCmd.Flags().BoolVar(&flagCleanLogs, "logs", false, "remove log files only")
	cleanCmd.Flags().BoolVar(&flagCleanResults, "results", false, "remove stored results only")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse config, setup logging
	rootCmd.PersistentPreRunE = initQrun

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("qrun failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "qrun",
	Short:        "Memoizing batch runner for media quality metrics",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run executes the configured batch and prints results as JSON",
	RunE:  doRun,
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "clean removes logs and stored results of the configured batch",
	RunE:  doClean,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides version of qrun",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("qrun: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("qrun: %s\n", info.Main.Version)
		fmt.Printf("go:   %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

// resolveConfigPath picks the config file, an explicit --config wins
// over $QRUNCONFIG, which wins over the search path.
func resolveConfigPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if envConfig, ok := os.LookupEnv("QRUNCONFIG"); ok {
		return envConfig
	}
	for _, d := range []string{".", userConfigPath} {
		path := filepath.Join(d, "qrun.yaml")
		if exists(path) {
			return path
		}
	}
	return ""
}

func initQrun(cmd *cobra.Command, _ []string) error {
	configPath = resolveConfigPath(flagConfigFilePath)
	if configPath == "" {
		if cmd == versionCmd {
			return nil
		}
		return fmt.Errorf("no config file found, use --config or put qrun.yaml in current directory or in %s", userConfigPath)
	}

	f, err := os.Open(configPath)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	config, err = model.LoadConfig(f)
	if err != nil {
		for _, d := range model.CueErrDetails(err) {
			slog.Error(d)
		}
		return fmt.Errorf("parsing config %s: %w", configPath, err)
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Verbose = true
	}

	slog.SetDefault(log.New(config.Verbose, config.Log))

	slog.Debug("qrun", "configPath", configPath)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
