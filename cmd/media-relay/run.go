package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/media-relay/internal/app"
	"github.com/fpang/media-relay/internal/lambdaboot"
	"github.com/fpang/media-relay/internal/runner"
)

var (
	forceFlag      bool
	dryRunFlag     bool
	noFacebookFlag bool
	metricsFlag    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Publish the next file if now is a posting slot",
	Long: `Run performs one invocation: check the schedule, take the first file in the
folder, publish it, and delete the source once any platform was attempted.

The exit status is non-zero when configuration is invalid, storage cannot be
read, or the required platform (Instagram) did not publish.`,
	RunE: runPublish,
}

func init() {
	runCmd.Flags().BoolVarP(&forceFlag, "force", "f", false, "Ignore the schedule window")
	runCmd.Flags().BoolVar(&dryRunFlag, "dry-run", false, "Classify the next file without submitting or deleting")
	runCmd.Flags().BoolVar(&noFacebookFlag, "no-facebook", false, "Skip the optional Facebook leg")
	runCmd.Flags().BoolVar(&metricsFlag, "metrics", false, "Emit CloudWatch EMF lines on stdout")
}

func runPublish(cmd *cobra.Command, args []string) error {
	initStart := time.Now()
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	clients, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return err
	}

	opts := app.Options{Force: forceFlag, DryRun: dryRunFlag, NoFacebook: noFacebookFlag}
	if metricsFlag {
		opts.Metrics = os.Stdout
	}
	a, err := app.Build(ctx, cfg, clients, opts)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	lambdaboot.StartupLog("media-relay", initStart, cfg).
		CommitHash(commitHash).
		BuildTime(buildTime).
		Feature("force", forceFlag).
		Feature("dryRun", dryRunFlag).
		Log()

	sum, err := a.Runner.Run(ctx)
	if sum != nil {
		for name, o := range sum.Outcomes {
			log.Info().
				Str("platform", name).
				Str("state", string(o.State)).
				Str("publishedId", o.PublishedID).
				Err(o.Err).
				Msg("Platform result")
		}
	}
	return runner.ExitError(sum, err)
}
