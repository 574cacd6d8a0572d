// Command box is the CLI surface of the a3s MicroVM runtime
// (spec.md §6). It is a thin wrapper over the core packages: argument
// parsing and human-readable output live here, every actual operation
// is delegated to pkg/*.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/a3s-lab/box/internal/a3serr"
	"github.com/a3s-lab/box/internal/config"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"

	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "box",
	Short: "Run OCI images as MicroVMs",
	Long: `box builds and runs OCI-compliant container images inside
hardware-isolated MicroVMs instead of shared-kernel namespaces.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initViper)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.a3s/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	rootCmd.AddCommand(versionCmd, infoCmd, loginCmd, logoutCmd)
	rootCmd.AddCommand(pullCmd, pushCmd, imagesCmd, rmiCmd, tagCmd, imageInspectCmd, loadCmd, exportCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(runCmd, startCmd, stopCmd, psCmd, logsCmd, inspectCmd, portCmd, execCmd)
}

func initViper() {
	viper.SetEnvPrefix("A3S")
	viper.AutomaticEnv()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("box %s (commit %s, built %s)\n", version, commit, buildTime)
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Display runtime configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		fmt.Printf("Home:              %s\n", a.cfg.Home)
		fmt.Printf("Default registry:  %s\n", a.cfg.DefaultRegistry)
		fmt.Printf("Pull concurrency:  %d\n", a.cfg.PullConcurrency)
		fmt.Printf("Default vCPUs:     %d\n", a.cfg.DefaultVCPU)
		fmt.Printf("Default memory MB: %d\n", a.cfg.DefaultMemoryMB)
		fmt.Printf("Warm pool size:    %d\n", a.cfg.WarmPoolSize)
		fmt.Printf("TEE simulate:      %v\n", a.cfg.TEESimulate)
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login HOST",
	Short: "Save registry credentials",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		username, _ := cmd.Flags().GetString("username")
		password, _ := cmd.Flags().GetString("password")
		if username == "" {
			username = os.Getenv("REGISTRY_USERNAME")
		}
		if password == "" {
			password = os.Getenv("REGISTRY_PASSWORD")
		}
		if err := a.creds.Store(args[0], username, password); err != nil {
			return err
		}
		fmt.Println("Login succeeded")
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout HOST",
	Short: "Remove saved registry credentials",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		removed, err := a.creds.Remove(args[0])
		if err != nil {
			return err
		}
		if removed {
			fmt.Println("Removed login credentials for", args[0])
		}
		return nil
	},
}

func init() {
	loginCmd.Flags().String("username", "", "registry username")
	loginCmd.Flags().String("password", "", "registry password")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if e, ok := err.(*a3serr.Error); ok {
			fmt.Fprintln(os.Stderr, e.Render())
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

// loadConfig is the single entry point every subcommand uses to read
// $HOME/.a3s's configuration before opening any store.
func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}
