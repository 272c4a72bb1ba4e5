package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	config "github.com/cochaviz/stage4/config"
	buildfile "github.com/cochaviz/stage4/internal/config"
	"github.com/cochaviz/stage4/internal/logging"
	"github.com/cochaviz/stage4/internal/setup"
)

const defaultLogLevel = "info"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildFlags are shared by the build and rollback commands.
type buildFlags struct {
	configPath    string
	workDir       string
	rollback      bool
	fresh         bool
	connectionURI string
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	setup.SetLogger(logger)

	logLevel := defaultLogLevel

	root := &cobra.Command{
		Use:           "stage4",
		Short:         "CLI for 'stage4': build Gentoo root filesystems and legacy Windows images step by step",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error); overrides the build file's verbose_level")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		return nil
	}

	root.AddCommand(
		newBuildKindCommand(logger, levelVar, "gentoo", "Build a Gentoo root filesystem", config.BuildGentoo),
		newBuildKindCommand(logger, levelVar, "windows", "Install Windows into a VM disk image", config.BuildWindows),
		newWorkDirCommand(logger),
		newSetupCommand(),
		newExampleCommand(),
	)
	return root
}

type buildFunc func(ctx context.Context, configPath string, opts config.Options) error

func newBuildKindCommand(logger *slog.Logger, levelVar *slog.LevelVar, kind, short string, build buildFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   kind,
		Short: short,
	}
	cmd.AddCommand(
		newBuildCommand(logger, levelVar, kind, build),
		newRollbackCommand(logger, kind),
	)
	return cmd
}

func (f *buildFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "Build file describing the target")
	cmd.Flags().StringVar(&f.workDir, "work-dir", config.DefaultWorkDir, "Work directory holding checkpoints and records")
	cmd.Flags().BoolVar(&f.rollback, "rollback", false, "Keep every checkpoint so the build can be rolled back")
	_ = cmd.MarkFlagRequired("config")
}

func (f *buildFlags) options(cmd *cobra.Command, logger *slog.Logger, levelVar *slog.LevelVar) config.Options {
	return config.Options{
		WorkDir:       f.workDir,
		Rollback:      f.rollback,
		Fresh:         f.fresh,
		ConnectionURI: f.connectionURI,
		Level:         levelVar,
		LevelFixed:    cmd.Flags().Changed("log-level"),
		Logger:        logger,
		Stdout:        cmd.OutOrStdout(),
	}
}

func newBuildCommand(logger *slog.Logger, levelVar *slog.LevelVar, kind string, build buildFunc) *cobra.Command {
	var flags buildFlags

	cmd := &cobra.Command{
		Use:   "build",
		Args:  cobra.NoArgs,
		Short: fmt.Sprintf("Run or resume a %s build", kind),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", kind+".build", "config", flags.configPath)
			cmdLogger.Info("starting build", "work_dir", flags.workDir, "rollback", flags.rollback, "fresh", flags.fresh)

			if err := build(cmd.Context(), flags.configPath, flags.options(cmd, cmdLogger, levelVar)); err != nil {
				cmdLogger.Error("build failed", "error", err)
				return err
			}
			cmdLogger.Info("build completed")
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&flags.fresh, "fresh", false, "Empty the work directory and start over instead of resuming")
	if kind == "windows" {
		cmd.Flags().StringVar(&flags.connectionURI, "connect-uri", config.DefaultConnectionURI, "Libvirt connection URI")
	}
	return cmd
}

func newRollbackCommand(logger *slog.Logger, kind string) *cobra.Command {
	var (
		flags  buildFlags
		toStep string
	)

	cmd := &cobra.Command{
		Use:   "rollback",
		Args:  cobra.NoArgs,
		Short: fmt.Sprintf("Move a %s build back to an earlier step", kind),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", kind+".rollback", "config", flags.configPath, "step", toStep)
			opts := flags.options(cmd, cmdLogger, nil)
			if err := config.Rollback(cmd.Context(), flags.configPath, strings.ToUpper(strings.TrimSpace(toStep)), opts); err != nil {
				cmdLogger.Error("rollback failed", "error", err)
				return err
			}
			cmdLogger.Info("rollback completed")
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&toStep, "to", "", "Step to return to, such as WORLD_UPDATED")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newWorkDirCommand(logger *slog.Logger) *cobra.Command {
	var workDir string

	cmd := &cobra.Command{
		Use:   "workdir",
		Short: "Manage work directories",
	}
	cmd.PersistentFlags().StringVar(&workDir, "work-dir", config.DefaultWorkDir, "Work directory holding checkpoints and records")

	initCmd := &cobra.Command{
		Use:   "init",
		Args:  cobra.NoArgs,
		Short: "Create the work directory, or empty an existing one",
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.InitWorkDir(workDir, logger.With("command", "workdir.init"))
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Args:  cobra.NoArgs,
		Short: "Show the checkpoints and build progress in the work directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := config.Status(workDir)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}

	cmd.AddCommand(initCmd, statusCmd)
	return cmd
}

func printStatus(w io.Writer, status *config.WorkDirStatus) {
	bold := color.New(color.Bold)
	done := color.New(color.FgGreen)
	warn := color.New(color.FgYellow)

	bold.Fprintf(w, "%s\n", status.Path)
	if status.GentooStep != "" {
		fmt.Fprintf(w, "  gentoo:  %s\n", done.Sprint(status.GentooStep))
	}
	if status.WindowsStep != "" {
		fmt.Fprintf(w, "  windows: %s\n", done.Sprint(status.WindowsStep))
	}
	if status.GentooStep == "" && status.WindowsStep == "" {
		fmt.Fprintf(w, "  %s\n", warn.Sprint("no build has run here"))
	}
	if status.TreeOpen {
		fmt.Fprintf(w, "  %s\n", warn.Sprint("an interrupted action left the current tree open"))
	}
	for _, name := range status.Checkpoints {
		fmt.Fprintf(w, "  checkpoint %s\n", name)
	}
	if status.DiskImage != "" {
		fmt.Fprintf(w, "  disk image %s (%s on disk)\n", status.DiskImage, humanize.IBytes(uint64(status.DiskImageSize)))
	}
}

func newSetupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Args:  cobra.NoArgs,
		Short: "Check that the host tools used by builds are installed",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			ok := color.New(color.FgGreen).Sprint("ok")
			missing := color.New(color.FgRed).Sprint("missing")

			var failed bool
			for _, group := range []struct {
				name  string
				tools []setup.Tool
			}{
				{name: "gentoo", tools: setup.GentooTools},
				{name: "windows", tools: setup.WindowsTools},
			} {
				fmt.Fprintf(out, "%s builds:\n", group.name)
				for _, tool := range group.tools {
					if p, err := setup.Lookup(tool.Name); err == nil {
						fmt.Fprintf(out, "  %-10s %s %s\n", tool.Name, ok, p)
						continue
					}
					failed = true
					fmt.Fprintf(out, "  %-10s %s (install %s)\n", tool.Name, missing, tool.Package)
				}
			}
			if failed {
				return fmt.Errorf("some host tools are missing")
			}
			return nil
		},
	}
}

func newExampleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "example [name]",
		Args:  cobra.MaximumNArgs(1),
		Short: "List the built-in example build files, or print one",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				for _, name := range buildfile.Examples() {
					fmt.Fprintln(out, name)
				}
				return nil
			}
			data, err := buildfile.Example(args[0])
			if err != nil {
				return err
			}
			_, err = out.Write(data)
			return err
		},
	}
}
