package main

import (
	"fmt"
	"os"
	"runtime/debug"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	config "lenrd/configs"
	"lenrd/pkg/auth"
	"lenrd/pkg/logger"
	"lenrd/pkg/orchestrator"
)

const serviceName = "lenrd"

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

var (
	flagConfigFilePath string
	flagTokenRole      string

	cfg *config.Config
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "config file (default $LENRD_CONFIG)")
	rootCmd.PersistentPreRunE = initLenrd

	tokenCmd.Flags().StringVar(&flagTokenRole, "role", string(auth.RoleOperator), "token role: operator or viewer")

	rootCmd.AddCommand(serveCmd, tasksCmd, tokenCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		logger.Error("lenrd failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "lenrd",
	Short:         "Runs and supervises lenr deployment jobs",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          doServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve the job API until SIGINT, SIGTERM, SIGHUP, SIGQUIT or SIGABRT",
	RunE:  doServe,
}

var tasksCmd = &cobra.Command{
	Use:   "tasks <app> <env>",
	Short: "print the tasks lenr offers for an application environment",
	Args:  cobra.ExactArgs(2),
	RunE:  doTasks,
}

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "issue an API token signed with auth.jwt_secret",
	Args:  cobra.ExactArgs(1),
	RunE:  doToken,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("lenrd: %s\n", version)
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				fmt.Printf("commit: %s\n", s.Value)
			}
		}
	},
}

func initLenrd(cmd *cobra.Command, _ []string) error {
	path := flagConfigFilePath
	if path == "" {
		path = os.Getenv("LENRD_CONFIG")
	}

	var err error
	cfg, err = config.LoadConfig(path)
	if err != nil {
		return err
	}

	if _, err := logger.Init(cfg.LoggerConfig(serviceName)); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	return nil
}

func doTasks(cmd *cobra.Command, args []string) error {
	// the task catalog never touches storage
	orch := orchestrator.New(nil, orchestratorConfig(cfg))
	tasks, err := orch.AvailableTasks(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}

	names := make([]string, 0, len(tasks))
	for name := range tasks {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, name := range names {
		fmt.Fprintf(w, "%s\t%s\n", name, tasks[name])
	}
	return w.Flush()
}

func doToken(cmd *cobra.Command, args []string) error {
	role, err := auth.ParseRole(flagTokenRole)
	if err != nil {
		return fmt.Errorf("%w: %q", err, flagTokenRole)
	}
	svc, err := auth.NewJWTService(cfg.JWTConfig())
	if err != nil {
		return err
	}
	token, err := svc.GenerateToken(args[0], role)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func orchestratorConfig(c *config.Config) orchestrator.Config {
	return orchestrator.Config{
		Binary:            c.Lenr.Binary,
		Repo:              c.Lenr.Repo,
		Branch:            c.Lenr.Branch,
		KillTimeout:       c.Lenr.KillTimeout,
		WaitDelay:         c.Lenr.WaitDelay,
		ShutdownKillAfter: c.Shutdown.KillAfter,
		Logger:            logger.Get(),
	}
}
