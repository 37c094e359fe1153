// Package coordinator publishes one asset to every configured platform.
//
// Legs run one after another in the order given. The required leg decides
// the run's success; an optional leg's failure is recorded and never escapes.
// A single conditioned copy serves every leg that needs one and is released
// once all legs are done.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/media-relay/internal/apperr"
	"github.com/fpang/media-relay/internal/classify"
	"github.com/fpang/media-relay/internal/conditioning"
	"github.com/fpang/media-relay/internal/graph"
	"github.com/fpang/media-relay/internal/media"
	"github.com/fpang/media-relay/internal/metrics"
	"github.com/fpang/media-relay/internal/notify"
	"github.com/fpang/media-relay/internal/publish"
)

// Leg is one platform the asset should reach.
type Leg struct {
	Target   publish.Target
	Required bool
	Profile  classify.Profile
	Caption  string
	// Connect returns the platform client for this leg. access is the
	// page-connection result when Target.Caps.RequiresPageCheck is set,
	// nil otherwise.
	Connect func(access *graph.PageAccess) (publish.Platform, error)
}

// Outcome is what happened on one leg.
type Outcome struct {
	Platform string
	Required bool
	// Attempted is true once the leg reached conditioning or submission.
	Attempted   bool
	Success     bool
	State       publish.State
	Product     publish.Product
	CreationID  string
	PublishedID string
	Err         error
	Job         *publish.Job
}

// Conditioner produces compliant copies of an asset.
type Conditioner interface {
	Condition(ctx context.Context, asset *media.Asset, sourceURL string, res classify.Result, profile classify.Profile) (*conditioning.Conditioned, error)
}

// URLSource issues fetch URLs for source objects.
type URLSource interface {
	FetchURL(ctx context.Context, path string) (string, error)
}

// PageChecker resolves a page's token and linked Instagram account.
type PageChecker interface {
	PageAccess(ctx context.Context, pageID, userToken string) (*graph.PageAccess, error)
}

// Options configures a Coordinator.
type Options struct {
	Account   string
	RunID     string
	PageID    string
	UserToken string
	// Metrics receives EMF lines; nil disables metrics.
	Metrics io.Writer
}

// Coordinator runs publish legs for one asset.
type Coordinator struct {
	urls        URLSource
	props       media.PropertySource
	conditioner Conditioner
	pages       PageChecker
	notifier    notify.Notifier
	opts        Options

	newMachine func(p publish.Platform) *publish.Machine
}

// New creates a Coordinator. A nil notifier discards events.
func New(urls URLSource, props media.PropertySource, conditioner Conditioner, pages PageChecker, notifier notify.Notifier, opts Options) *Coordinator {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	c := &Coordinator{
		urls:        urls,
		props:       props,
		conditioner: conditioner,
		pages:       pages,
		notifier:    notifier,
		opts:        opts,
	}
	c.newMachine = func(p publish.Platform) *publish.Machine {
		return publish.NewMachine(p, c.notifier, c.opts.RunID)
	}
	return c
}

// run holds the per-asset state shared across legs.
type run struct {
	asset     *media.Asset
	sourceURL string
	legs      []Leg
	results   []classify.Result

	access *graph.PageAccess

	conditioned  *conditioning.Conditioned
	conditionErr error
	conditionRan bool
}

// Publish sends asset to each leg and returns the outcome per platform.
// The error is non-nil only when the run must abort: the source URL could
// not be issued, or the required leg hit a configuration error.
func (c *Coordinator) Publish(ctx context.Context, asset *media.Asset, legs []Leg) (map[string]Outcome, error) {
	outcomes := make(map[string]Outcome, len(legs))

	sourceURL, err := c.urls.FetchURL(ctx, asset.Path)
	if err != nil {
		return outcomes, fmt.Errorf("issue fetch URL for %s: %w", asset.Path, err)
	}

	r := &run{asset: asset, sourceURL: sourceURL, legs: legs}
	for _, leg := range legs {
		r.results = append(r.results, classify.Classify(ctx, asset, leg.Profile, c.props))
	}
	defer func() {
		if r.conditioned != nil {
			if err := r.conditioned.Release(context.WithoutCancel(ctx)); err != nil {
				log.Warn().Err(err).Str("asset", asset.Name).Msg("Transient copy left behind")
			}
		}
	}()

	for i, leg := range legs {
		out := c.runLeg(ctx, r, i)
		outcomes[leg.Target.Platform] = out

		if leg.Required && errors.Is(out.Err, apperr.ErrConfiguration) {
			log.Error().Err(out.Err).Str("platform", leg.Target.Platform).Msg("Required platform misconfigured, aborting run")
			return outcomes, out.Err
		}
	}
	return outcomes, nil
}

func (c *Coordinator) runLeg(ctx context.Context, r *run, i int) (out Outcome) {
	leg := r.legs[i]
	res := r.results[i]
	out = Outcome{Platform: leg.Target.Platform, Required: leg.Required, State: publish.StateCreated}

	if !leg.Required {
		defer func() {
			if p := recover(); p != nil {
				log.Error().Interface("panic", p).Str("platform", leg.Target.Platform).Msg("Optional platform panicked")
				out.Success = false
				out.Err = apperr.Unexpected(fmt.Sprintf("%s leg panicked: %v", leg.Target.Platform, p), nil)
			}
		}()
	}

	logger := log.With().Str("asset", r.asset.Name).Str("platform", leg.Target.Platform).Logger()

	platform, err := c.connect(ctx, r, leg)
	if err != nil {
		out.Err = err
		c.legFailed(ctx, leg, r.asset, out.State, err)
		return out
	}

	fetchURL := r.sourceURL
	props := res.Properties
	if res.NeedsConditioning {
		out.Attempted = true
		cond, err := c.condition(ctx, r)
		if err != nil {
			out.State = publish.StateConditioningFailed
			out.Err = err
			c.legFailed(ctx, leg, r.asset, out.State, err)
			return out
		}
		fetchURL = cond.FetchURL
		if cond.Properties != nil {
			props = cond.Properties
		}
	}

	product, err := publish.SelectProduct(res.Kind, classify.ShortForm(props, leg.Profile), leg.Target.Caps)
	if err != nil {
		out.Err = apperr.Configuration("%s cannot publish %s: %v", leg.Target.Platform, res.Kind, err)
		c.legFailed(ctx, leg, r.asset, out.State, out.Err)
		return out
	}
	out.Product = product
	out.Attempted = true

	job := publish.NewJob(r.asset, leg.Target, product, fetchURL, leg.Caption)
	c.newMachine(platform).Run(ctx, job)

	out.Job = job
	out.State = job.State
	out.CreationID = job.CreationID
	out.PublishedID = job.PublishedID
	out.Success = job.Published()
	if !out.Success {
		out.Err = job.Err
	}

	if c.opts.Metrics != nil {
		metrics.RecordLeg(c.opts.Metrics, metrics.LegSample{
			Account:         c.opts.Account,
			Platform:        leg.Target.Platform,
			State:           string(job.State),
			Published:       job.Published(),
			Live:            job.State == publish.StateLive,
			Elapsed:         job.Elapsed(),
			ProcessingPolls: job.ProcessingPolls,
			VerifyPolls:     job.VerifyPolls,
		})
	}
	logger.Info().
		Str("state", string(job.State)).
		Str("product", string(product)).
		Str("publishedId", job.PublishedID).
		Dur("elapsed", job.Elapsed()).
		Msg("Platform leg finished")
	return out
}

// connect performs the page-connection check when the leg needs one. A
// successful result is cached for later legs; a failure is not, so the next
// leg asks again.
func (c *Coordinator) connect(ctx context.Context, r *run, leg Leg) (publish.Platform, error) {
	var access *graph.PageAccess
	if leg.Target.Caps.RequiresPageCheck {
		if r.access == nil {
			if c.pages == nil {
				return nil, apperr.Configuration("%s requires a page-connection check but none is configured", leg.Target.Platform)
			}
			a, err := c.pages.PageAccess(ctx, c.opts.PageID, c.opts.UserToken)
			if err != nil {
				return nil, err
			}
			r.access = a
		}
		access = r.access
	}
	if leg.Connect == nil {
		return nil, apperr.Configuration("%s has no platform client", leg.Target.Platform)
	}
	return leg.Connect(access)
}

// condition produces the shared compliant copy on first use. The profile is
// the intersection of every leg that needs conditioning, so one copy is
// valid for all of them.
func (c *Coordinator) condition(ctx context.Context, r *run) (*conditioning.Conditioned, error) {
	if r.conditionRan {
		return r.conditioned, r.conditionErr
	}
	r.conditionRan = true

	var (
		profiles []classify.Profile
		merged   classify.Result
	)
	for i, res := range r.results {
		if !res.NeedsConditioning {
			continue
		}
		profiles = append(profiles, r.legs[i].Profile)
		if merged.Kind == "" {
			merged = res
			continue
		}
		merged.Reasons = append(merged.Reasons, res.Reasons...)
	}
	profile := classify.Intersect(profiles...)

	if c.conditioner == nil {
		r.conditionErr = apperr.Conditioning(r.asset.Name, errors.New("no conditioner configured"))
		return nil, r.conditionErr
	}
	start := time.Now()
	r.conditioned, r.conditionErr = c.conditioner.Condition(ctx, r.asset, r.sourceURL, merged, profile)
	log.Debug().Str("profile", profile.Name).Dur("elapsed", time.Since(start)).Err(r.conditionErr).Msg("Shared conditioning done")
	return r.conditioned, r.conditionErr
}

func (c *Coordinator) legFailed(ctx context.Context, leg Leg, asset *media.Asset, state publish.State, err error) {
	ev := notify.Event{
		Level:    notify.LevelError,
		Kind:     notify.KindTransition,
		RunID:    c.opts.RunID,
		Asset:    asset.Name,
		Platform: leg.Target.Platform,
		State:    string(state),
		Message:  fmt.Sprintf("Upload failed for %s: %v", asset.Name, err),
	}
	if code, _, ok := apperr.PlatformCode(err); ok {
		ev.Code = code
	}
	if !leg.Required {
		ev.Level = notify.LevelWarn
	}
	c.notifier.Notify(ctx, ev)
}

// Succeeded reports whether every required leg published.
func Succeeded(outcomes map[string]Outcome) bool {
	required := false
	for _, o := range outcomes {
		if o.Required {
			required = true
			if !o.Success {
				return false
			}
		}
	}
	return required
}

// Attempted reports whether any leg reached conditioning or submission.
func Attempted(outcomes map[string]Outcome) bool {
	for _, o := range outcomes {
		if o.Attempted {
			return true
		}
	}
	return false
}
