// Package main is the Lambda entry point for scheduled publishing.
//
// An EventBridge schedule invokes the function every few minutes. Each
// invocation checks the account's posting slots and, inside a slot, publishes
// the next file from the media folder to Instagram (required) and Facebook
// (optional).
//
// Platform failures are reported in the result and never returned as an
// error, so Lambda's async retry cannot post the same file twice.
// Configuration and storage errors are returned.
//
// Container: ffmpeg + ffprobe
// Memory: 1024 MB
// Timeout: 10 minutes
package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog/log"

	"github.com/fpang/media-relay/internal/app"
	"github.com/fpang/media-relay/internal/config"
	"github.com/fpang/media-relay/internal/lambdaboot"
	"github.com/fpang/media-relay/internal/logging"
	"github.com/fpang/media-relay/internal/runner"
)

var coldStart = true

var (
	cfg     *config.Config
	clients lambdaboot.AWSClients
	initErr error
)

func init() {
	initStart := time.Now()
	logging.Init()

	cfg, initErr = config.Load(config.Options{})
	if initErr == nil {
		clients, initErr = app.Bootstrap(context.Background(), cfg)
	}
	if initErr != nil {
		log.Error().Err(initErr).Msg("Bootstrap failed, every invocation will report it")
		return
	}

	lambdaboot.StartupLog("publish-lambda", initStart, cfg).
		CommitHash(commitHash).
		BuildTime(buildTime).
		Log()
}

func main() {
	lambda.Start(handler)
}

// RunOverrides may be sent as the event detail for a manual invocation.
type RunOverrides struct {
	Force      bool `json:"force"`
	DryRun     bool `json:"dryRun"`
	NoFacebook bool `json:"noFacebook"`
}

// LegResult is one platform's part of the response.
type LegResult struct {
	Platform    string `json:"platform"`
	Required    bool   `json:"required"`
	State       string `json:"state"`
	PublishedID string `json:"publishedId,omitempty"`
	Error       string `json:"error,omitempty"`
}

// RunResult is the handler response.
type RunResult struct {
	RunID      string      `json:"runId"`
	Account    string      `json:"account"`
	Asset      string      `json:"asset,omitempty"`
	Success    bool        `json:"success"`
	Deleted    bool        `json:"deleted"`
	Skipped    string      `json:"skipped,omitempty"`
	DurationMs int64       `json:"durationMs"`
	Legs       []LegResult `json:"legs,omitempty"`
}

func handler(ctx context.Context, event events.CloudWatchEvent) (*RunResult, error) {
	if coldStart {
		coldStart = false
		log.Info().Str("function", "publish-lambda").Msg("Cold start: first invocation")
	}
	if initErr != nil {
		return nil, initErr
	}

	var overrides RunOverrides
	if len(event.Detail) > 0 {
		if err := json.Unmarshal(event.Detail, &overrides); err != nil {
			log.Warn().Err(err).Msg("Ignoring unreadable event detail")
		}
	}
	log.Info().
		Str("source", event.Source).
		Str("detailType", event.DetailType).
		Bool("force", overrides.Force).
		Bool("dryRun", overrides.DryRun).
		Msg("Publish Lambda invoked")

	a, err := app.Build(ctx, cfg, clients, app.Options{
		Force:      overrides.Force,
		DryRun:     overrides.DryRun,
		NoFacebook: overrides.NoFacebook,
		Metrics:    os.Stdout,
	})
	if err != nil {
		return nil, err
	}
	defer a.Close(ctx)

	sum, err := a.Runner.Run(ctx)
	if err != nil {
		return toResult(sum), err
	}
	return toResult(sum), nil
}

func toResult(sum *runner.Summary) *RunResult {
	if sum == nil {
		return nil
	}
	res := &RunResult{
		RunID:      sum.RunID,
		Account:    sum.Account,
		Asset:      sum.Asset,
		Success:    sum.Success,
		Deleted:    sum.Deleted,
		Skipped:    sum.Skipped,
		DurationMs: sum.Duration.Milliseconds(),
	}
	for _, o := range sum.Outcomes {
		leg := LegResult{
			Platform:    o.Platform,
			Required:    o.Required,
			State:       string(o.State),
			PublishedID: o.PublishedID,
		}
		if o.Err != nil {
			leg.Error = o.Err.Error()
		}
		res.Legs = append(res.Legs, leg)
	}
	return res
}
