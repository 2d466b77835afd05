package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/incantvm/incant/internal/config"
	"github.com/incantvm/incant/internal/incus"
	"github.com/incantvm/incant/internal/orchestrator"
	"github.com/incantvm/incant/internal/project"
	"github.com/incantvm/incant/internal/ui"
)

var (
	flagConfig  string
	flagVerbose bool
	flagQuiet   bool
)

func main() {
	root := &cobra.Command{
		Use:           "incant",
		Short:         "Declarative front end for incus instances",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Path to config file")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable verbose output")
	root.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "Only report errors")

	root.AddCommand(
		upCmd(),
		provisionCmd(),
		destroyCmd(),
		listCmd(),
		initCmd(),
		configCmd(),
	)

	if err := root.Execute(); err != nil {
		ui.Errorf("Error: %v", err)
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	level := zerolog.InfoLevel
	if flagVerbose {
		level = zerolog.DebugLevel
	}
	if flagQuiet {
		level = zerolog.ErrorLevel
	}
	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}

type engine struct {
	cfg   *config.Config
	scope project.Scope
	orch  *orchestrator.Orchestrator
}

func buildEngine() (*engine, error) {
	path, err := config.Find(flagConfig)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	scope, err := project.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	client, err := incus.NewClient(scope.Name)
	if err != nil {
		return nil, err
	}
	orch := orchestrator.New(client, cfg, scope, orchestrator.DefaultOptions(), newLogger())
	return &engine{cfg: cfg, scope: scope, orch: orch}, nil
}

func runContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printReport(report *orchestrator.Report) error {
	for _, w := range report.Warnings {
		ui.Warnf("Warning: %s", w)
	}
	for _, res := range report.Results {
		switch {
		case res.Failed():
			ui.Errorf("%-12s %s failed: %v", res.Name, res.Op, res.Err)
		case res.Note != "":
			ui.Dimf("%-12s %s (%s)", res.Name, res.Op, res.Note)
		default:
			ui.Successf("%-12s %s ok", res.Name, res.Op)
		}
	}
	if report.Failed() {
		return fmt.Errorf("%d instance(s) failed", report.FailedCount())
	}
	return nil
}

func upCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up [names...]",
		Short: "Create and provision the declared instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := buildEngine()
			if err != nil {
				return err
			}
			ctx, stop := runContext()
			defer stop()
			report, err := e.orch.Up(ctx, args)
			if err != nil {
				return err
			}
			return printReport(report)
		},
	}
}

func provisionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "provision [names...]",
		Short: "Re-run provisioning on existing instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := buildEngine()
			if err != nil {
				return err
			}
			ctx, stop := runContext()
			defer stop()
			report, err := e.orch.Provision(ctx, args)
			if err != nil {
				return err
			}
			return printReport(report)
		},
	}
}

func destroyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "destroy [names...]",
		Short: "Destroy instances (and the project once empty)",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := buildEngine()
			if err != nil {
				return err
			}
			ctx, stop := runContext()
			defer stop()
			report, err := e.orch.Destroy(ctx, args)
			if err != nil {
				return err
			}
			return printReport(report)
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List declared instances and their live status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := buildEngine()
			if err != nil {
				return err
			}
			ctx, stop := runContext()
			defer stop()
			rows, err := e.orch.List(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "NAME\tSTATUS\n")
			for _, row := range rows {
				status := "absent"
				if row.Live {
					status = string(row.Status)
				}
				fmt.Fprintf(w, "%s\t%s\n", row.Name, status)
			}
			return w.Flush()
		},
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write an example incant.yaml in the current directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteExample("incant.yaml"); err != nil {
				return err
			}
			ui.Successf("Example configuration written to incant.yaml")
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the loaded configuration",
	}

	dumpCmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the parsed configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.Find(flagConfig)
			if err != nil {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			out, err := cfg.Dump()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration without touching the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.Find(flagConfig)
			if err != nil {
				return err
			}
			if _, err := config.Load(path); err != nil {
				return err
			}
			ui.Successf("%s is valid", path)
			return nil
		},
	}

	cmd.AddCommand(dumpCmd, checkCmd)
	return cmd
}
