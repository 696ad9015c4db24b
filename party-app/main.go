package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/sfkit/orchestrator/log"
	"github.com/sfkit/orchestrator/party-app/config"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "sfkit-party",
		Short: "sfkit MPC party orchestrator",
		Long:  banner + "\n\nDrives one party of a multi-party computation study from parameter resolution to results.",
		RunE:  runApp,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the configured protocol for this party",
		RunE:  runApp,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run:   runVersion,
	}
)

const banner = `
███████╗███████╗██╗  ██╗██╗████████╗
██╔════╝██╔════╝██║ ██╔╝██║╚══██╔══╝
███████╗█████╗  █████╔╝ ██║   ██║
╚════██║██╔══╝  ██╔═██╗ ██║   ██║
███████║██║     ██║  ██╗██║   ██║
╚══════╝╚═╝     ╚═╝  ╚═╝╚═╝   ╚═╝`

func main() {
	if err := execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func execute() error {
	initCommands()
	return rootCmd.Execute()
}

func initCommands() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-pretty", false, "enable pretty logging")

	// Party flags
	rootCmd.PersistentFlags().Int("role", 0, "party role (0 is the trusted dealer)")
	rootCmd.PersistentFlags().Bool("demo", false, "run against bundled demo data")
	rootCmd.PersistentFlags().String("protocol", "", "protocol to run")

	// Coordination flags
	rootCmd.PersistentFlags().String("study-id", "", "study identifier")
	rootCmd.PersistentFlags().String("api-url", "", "coordination API base URL")
	rootCmd.PersistentFlags().String("record-file", "", "YAML coordination record (file backend)")

	// Relay flags
	rootCmd.PersistentFlags().Bool("proxy", false, "route protocol traffic through the network relay")

	// Status API flags
	rootCmd.PersistentFlags().String("listen-addr", "", "status API listen address")
	rootCmd.PersistentFlags().Bool("metrics", false, "enable metrics")
}

func runApp(cmd *cobra.Command, _ []string) error {
	fmt.Println(banner)
	fmt.Println()

	cfg, err := config.Read(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := applyFlags(cmd, cfg); err != nil {
		return err
	}

	log := log.New(cfg.Log.Level, cfg.Log.Pretty)

	log.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Str("git_commit", GitCommit).
		Str("go_version", runtime.Version()).
		Msg("Build information")

	log.Info().
		Str("config_file", cfgFile).
		Int("role", cfg.Party.Role).
		Bool("demo", cfg.Party.Demo).
		Str("protocol", cfg.Party.Protocol).
		Str("backend", cfg.Coordination.Backend).
		Bool("relay", cfg.Relay.Enabled).
		Str("api_listen_addr", cfg.API.ListenAddr).
		Bool("metrics_enabled", cfg.Metrics.Enabled).
		Str("log_level", cfg.Log.Level).
		Msg("Configuration loaded")

	application, err := NewApp(cmd.Context(), cfg, log.Logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(cmd.Context())
}

func runVersion(*cobra.Command, []string) {
	fmt.Println(banner)
	fmt.Println()
	fmt.Printf("sfkit party orchestrator\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n", GitCommit)
	fmt.Printf("Go Version: %s\n", runtime.Version())
	fmt.Printf("OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// applyFlags overrides loaded config with explicitly set flags and
// revalidates.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()

	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-pretty") {
		cfg.Log.Pretty, _ = flags.GetBool("log-pretty")
	}

	if flags.Changed("role") {
		cfg.Party.Role, _ = flags.GetInt("role")
	}
	if flags.Changed("demo") {
		cfg.Party.Demo, _ = flags.GetBool("demo")
	}
	if flags.Changed("protocol") {
		cfg.Party.Protocol, _ = flags.GetString("protocol")
	}

	if flags.Changed("study-id") {
		cfg.Coordination.StudyID, _ = flags.GetString("study-id")
	}
	if flags.Changed("api-url") {
		cfg.Coordination.APIURL, _ = flags.GetString("api-url")
		cfg.Relay.APIURL = cfg.Coordination.APIURL
	}
	if flags.Changed("record-file") {
		cfg.Coordination.RecordFile, _ = flags.GetString("record-file")
		cfg.Coordination.Backend = config.BackendFile
	}

	if flags.Changed("proxy") {
		cfg.Relay.Enabled, _ = flags.GetBool("proxy")
	}

	if flags.Changed("listen-addr") {
		cfg.API.ListenAddr, _ = flags.GetString("listen-addr")
	}
	if flags.Changed("metrics") {
		cfg.Metrics.Enabled, _ = flags.GetBool("metrics")
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	return nil
}
