// Package runner performs one scheduled invocation: check the posting slot,
// pick the next file from the folder, publish it everywhere, and clean up.
//
// At most one asset is attempted per run. Once any platform has been
// attempted the source file is deleted, whatever the result, so a later run
// never posts the same file twice.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fpang/media-relay/internal/apperr"
	"github.com/fpang/media-relay/internal/classify"
	"github.com/fpang/media-relay/internal/coordinator"
	"github.com/fpang/media-relay/internal/media"
	"github.com/fpang/media-relay/internal/notify"
	"github.com/fpang/media-relay/internal/publish"
	"github.com/fpang/media-relay/internal/schedule"
	"github.com/fpang/media-relay/internal/store"
)

// Source lists and deletes files in the watched folder.
type Source interface {
	List(ctx context.Context, folder string) ([]*media.Asset, error)
	Delete(ctx context.Context, path string) error
}

// Publisher sends one asset to every leg.
type Publisher interface {
	Publish(ctx context.Context, asset *media.Asset, legs []coordinator.Leg) (map[string]coordinator.Outcome, error)
}

// Scheduler decides whether now is a posting slot.
type Scheduler interface {
	Match(now time.Time, account string) schedule.Match
}

// LegBuilder returns the legs for this run. The match carries the day's
// captions.
type LegBuilder func(m schedule.Match) []coordinator.Leg

// Options configures a Runner.
type Options struct {
	Account string
	Folder  string
	// Force skips the schedule check.
	Force bool
	// DryRun classifies the next asset and stops before submitting or deleting.
	DryRun bool
	// Location renders run timestamps; nil means UTC.
	Location *time.Location
	// Properties feeds dry-run classification.
	Properties media.PropertySource
}

// Summary describes what one run did.
type Summary struct {
	RunID     string
	Account   string
	Asset     string
	Remaining int
	Outcomes  map[string]coordinator.Outcome
	Deleted   bool
	DeleteErr error
	// Success is the required platform's result.
	Success  bool
	Skipped  string
	Duration time.Duration
}

// Runner wires the run steps together.
type Runner struct {
	source    Source
	publisher Publisher
	schedule  Scheduler
	legs      LegBuilder
	ledger    store.Ledger
	notifier  notify.Notifier
	opts      Options

	now      func() time.Time
	newRunID func() string
}

// New creates a Runner. ledger and schedule may be nil: no ledger means no
// audit record; no schedule means every run needs Force.
func New(source Source, publisher Publisher, sched Scheduler, legs LegBuilder, ledger store.Ledger, notifier notify.Notifier, opts Options) *Runner {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Runner{
		source:    source,
		publisher: publisher,
		schedule:  sched,
		legs:      legs,
		ledger:    ledger,
		notifier:  notifier,
		opts:      opts,
		now:       time.Now,
		newRunID:  uuid.NewString,
	}
}

// NewRunID returns a fresh run id. Callers that build the coordinator before
// the runner use it so both log the same id.
func NewRunID() string { return uuid.NewString() }

// WithRunID fixes the id of the next run.
func (r *Runner) WithRunID(id string) *Runner {
	r.newRunID = func() string { return id }
	return r
}

// Run performs one invocation. Platform failures are reported in the summary;
// the error is non-nil only for configuration and storage problems.
func (r *Runner) Run(ctx context.Context) (sum *Summary, err error) {
	start := r.now()
	sum = &Summary{RunID: r.newRunID(), Account: r.opts.Account}
	logger := log.With().Str("runId", sum.RunID).Str("account", sum.Account).Logger()

	r.emit(ctx, sum, notify.LevelInfo, fmt.Sprintf("📡 Run started at: %s", start.In(r.opts.Location).Format("2006-01-02 15:04:05")))
	defer func() {
		sum.Duration = r.now().Sub(start)
		p := recover()
		if p != nil {
			logger.Error().Interface("panic", p).Msg("Run crashed")
			r.emit(ctx, sum, notify.LevelError, fmt.Sprintf("Run crashed: %v", p))
		}
		r.emit(ctx, sum, notify.LevelInfo, fmt.Sprintf("🏁 Run complete in %.1f seconds", sum.Duration.Seconds()))
		if p != nil {
			panic(p)
		}
	}()

	var match schedule.Match
	switch {
	case r.schedule == nil && !r.opts.Force:
		return sum, apperr.Configuration("no schedule loaded; use force to run outside the schedule")
	case r.schedule != nil:
		match = r.schedule.Match(start, r.opts.Account)
	}
	if !match.Matched && !r.opts.Force {
		sum.Skipped = "not in schedule"
		logger.Info().Strs("allowed", match.Allowed).Msg("Not in schedule")
		r.emit(ctx, sum, notify.LevelInfo, fmt.Sprintf("⏰ Not in schedule. Current: %s, Allowed: [%s]",
			start.In(r.opts.Location).Format("15:04"), strings.Join(match.Allowed, ", ")))
		return sum, nil
	}

	assets, err := r.source.List(ctx, r.opts.Folder)
	if err != nil {
		r.emit(ctx, sum, notify.LevelError, fmt.Sprintf("Storage folder read failed: %v", err))
		return sum, fmt.Errorf("list %s: %w", r.opts.Folder, err)
	}
	if len(assets) == 0 {
		sum.Skipped = "no eligible media"
		r.emit(ctx, sum, notify.LevelInfo, "📭 No eligible media found.")
		return sum, nil
	}

	asset := assets[0]
	sum.Asset = asset.Name
	sum.Remaining = len(assets)
	legs := r.legs(match)

	r.emit(ctx, sum, notify.LevelInfo, fmt.Sprintf("🚀 Uploading: %s\n📂 Type: %s\n📐 Size: %s\n📦 Remaining: %d",
		asset.Name, strings.ToUpper(string(asset.Kind)), asset.SizeMB(), len(assets)))

	if r.opts.DryRun {
		sum.Skipped = "dry run"
		r.dryRun(ctx, sum, asset, legs)
		return sum, nil
	}

	outcomes, perr := r.publisher.Publish(ctx, asset, legs)
	sum.Outcomes = outcomes
	sum.Success = coordinator.Succeeded(outcomes)

	if coordinator.Attempted(outcomes) {
		if err := r.source.Delete(ctx, asset.Path); err != nil {
			sum.DeleteErr = err
			logger.Error().Err(err).Str("asset", asset.Path).Msg("Failed to delete source after attempt")
			r.emit(ctx, sum, notify.LevelError, fmt.Sprintf("Failed to delete %s: %v", asset.Name, err))
		} else {
			sum.Deleted = true
			logger.Info().Str("asset", asset.Path).Msg("Source deleted after attempt")
		}
	}

	r.report(ctx, sum, legs)
	r.record(ctx, sum, asset, legs, start)

	if perr != nil {
		return sum, perr
	}
	return sum, nil
}

func (r *Runner) report(ctx context.Context, sum *Summary, legs []coordinator.Leg) {
	for _, leg := range legs {
		o, ok := sum.Outcomes[leg.Target.Platform]
		if !ok || !o.Success || !o.Required {
			continue
		}
		r.emit(ctx, sum, notify.LevelInfo, fmt.Sprintf("✅ Uploaded: %s\n📦 Files left: %d", sum.Asset, sum.Remaining-1))
	}
	log.Info().
		Str("runId", sum.RunID).
		Str("asset", sum.Asset).
		Bool("success", sum.Success).
		Bool("deleted", sum.Deleted).
		Msg("Run outcome")
}

func (r *Runner) dryRun(ctx context.Context, sum *Summary, asset *media.Asset, legs []coordinator.Leg) {
	for _, leg := range legs {
		res := classify.Classify(ctx, asset, leg.Profile, r.opts.Properties)
		product, err := publish.SelectProduct(res.Kind, classify.ShortForm(res.Properties, leg.Profile), leg.Target.Caps)
		msg := fmt.Sprintf("Dry run: %s as %s", asset.Name, product)
		if err != nil {
			msg = fmt.Sprintf("Dry run: %s cannot be published: %v", asset.Name, err)
		}
		if res.NeedsConditioning {
			msg += fmt.Sprintf(" after conditioning (%s)", res.Reason())
		}
		r.notifier.Notify(ctx, notify.Event{
			Level:    notify.LevelInfo,
			Kind:     notify.KindRun,
			RunID:    sum.RunID,
			Asset:    asset.Name,
			Platform: leg.Target.Platform,
			Message:  msg,
		})
	}
}

// record writes the attempt to the ledger. Failures are logged only.
func (r *Runner) record(ctx context.Context, sum *Summary, asset *media.Asset, legs []coordinator.Leg, start time.Time) {
	if r.ledger == nil || !coordinator.Attempted(sum.Outcomes) {
		return
	}
	a := &store.Attempt{
		RunID:      sum.RunID,
		Account:    sum.Account,
		AssetPath:  asset.Path,
		AssetName:  asset.Name,
		Kind:       string(asset.Kind),
		SizeBytes:  asset.Size,
		StartedAt:  start.Unix(),
		DurationMs: r.now().Sub(start).Milliseconds(),
		Success:    sum.Success,
		Deleted:    sum.Deleted,
	}
	if sum.DeleteErr != nil {
		a.DeleteError = sum.DeleteErr.Error()
	}
	for _, leg := range legs {
		o, ok := sum.Outcomes[leg.Target.Platform]
		if !ok {
			continue
		}
		rec := store.LegRecord{
			Platform:    o.Platform,
			Required:    o.Required,
			Attempted:   o.Attempted,
			State:       string(o.State),
			Product:     string(o.Product),
			CreationID:  o.CreationID,
			PublishedID: o.PublishedID,
		}
		if o.Err != nil {
			rec.Error = o.Err.Error()
			rec.ErrorKind = apperr.Kind(o.Err)
			if code, _, ok := apperr.PlatformCode(o.Err); ok {
				rec.ErrorCode = code
			}
		}
		a.Legs = append(a.Legs, rec)
	}
	if err := r.ledger.PutAttempt(context.WithoutCancel(ctx), a); err != nil {
		log.Warn().Err(err).Str("asset", asset.Path).Msg("Failed to record attempt")
	}
}

func (r *Runner) emit(ctx context.Context, sum *Summary, level notify.Level, msg string) {
	r.notifier.Notify(ctx, notify.Event{
		Time:    r.now(),
		Level:   level,
		Kind:    notify.KindRun,
		RunID:   sum.RunID,
		Asset:   sum.Asset,
		Message: msg,
	})
}

// ExitError turns a summary into the CLI's failure, if any.
func ExitError(sum *Summary, err error) error {
	if err != nil {
		return err
	}
	if sum == nil || sum.Skipped != "" || sum.Outcomes == nil {
		return nil
	}
	if !sum.Success {
		var failed []string
		for name, o := range sum.Outcomes {
			if o.Required && !o.Success {
				failed = append(failed, fmt.Sprintf("%s: %s", name, o.State))
			}
		}
		return errors.New("required platform failed: " + strings.Join(failed, ", "))
	}
	return nil
}
