// Package app assembles a ready-to-run Runner from configuration. The Lambda
// handler and the CLI share it so both behave identically.
package app

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/media-relay/internal/apperr"
	"github.com/fpang/media-relay/internal/classify"
	"github.com/fpang/media-relay/internal/conditioning"
	"github.com/fpang/media-relay/internal/config"
	"github.com/fpang/media-relay/internal/coordinator"
	"github.com/fpang/media-relay/internal/facebook"
	"github.com/fpang/media-relay/internal/graph"
	"github.com/fpang/media-relay/internal/instagram"
	"github.com/fpang/media-relay/internal/lambdaboot"
	"github.com/fpang/media-relay/internal/media"
	"github.com/fpang/media-relay/internal/notify"
	"github.com/fpang/media-relay/internal/publish"
	"github.com/fpang/media-relay/internal/runner"
	"github.com/fpang/media-relay/internal/schedule"
	"github.com/fpang/media-relay/internal/storage"
)

// Options are per-invocation switches layered on top of configuration.
type Options struct {
	Force      bool
	DryRun     bool
	NoFacebook bool
	// Metrics receives EMF lines; nil disables metrics.
	Metrics io.Writer
}

// App is an assembled invocation.
type App struct {
	Runner   *runner.Runner
	Notifier *notify.Async
	Config   *config.Config
	S3       lambdaboot.S3Clients
}

const (
	// DrainTimeout bounds how long Close waits for queued notifications.
	DrainTimeout = 5 * time.Second

	// drainMargin is kept free before an invocation deadline so the handler
	// still returns in time.
	drainMargin = 500 * time.Millisecond
)

// DrainContext returns a context for flushing notifications after ctx may
// already be done. It ends after limit, or drainMargin before ctx's deadline,
// whichever comes first.
func DrainContext(ctx context.Context, limit time.Duration) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline) - drainMargin; left < limit {
			limit = max(left, 0)
		}
	}
	return context.WithTimeout(context.WithoutCancel(ctx), limit)
}

// Close flushes queued notifications within DrainTimeout and the invocation
// deadline carried by ctx.
func (a *App) Close(ctx context.Context) {
	if a.Notifier == nil {
		return
	}
	drainCtx, cancel := DrainContext(ctx, DrainTimeout)
	defer cancel()
	a.Notifier.Close(drainCtx)
}

// Bootstrap loads secrets and validates cfg, returning the AWS clients.
func Bootstrap(ctx context.Context, cfg *config.Config) (lambdaboot.AWSClients, error) {
	clients, err := lambdaboot.InitAWS(ctx, cfg.Storage.Region)
	if err != nil {
		return clients, err
	}
	if err := lambdaboot.LoadSecrets(ctx, clients.SSM, cfg); err != nil {
		return clients, err
	}
	return clients, cfg.Validate()
}

// Build wires every component for one run.
func Build(ctx context.Context, cfg *config.Config, clients lambdaboot.AWSClients, opts Options) (*App, error) {
	s3c := lambdaboot.InitS3(clients.Config, cfg.Storage.Bucket)
	gateway := storage.NewS3Gateway(s3c.Client, s3c.Presigner, s3c.Bucket, cfg.Storage.PresignTTL)

	transient, err := NewTransient(cfg, gateway)
	if err != nil {
		return nil, err
	}

	notifier := notify.NewAsync(Notifiers(cfg, clients), 64)
	ok := false
	defer func() {
		if !ok {
			drainCtx, cancel := DrainContext(ctx, DrainTimeout)
			defer cancel()
			notifier.Close(drainCtx)
		}
	}()

	sched, err := schedule.Load(ctx, cfg.Schedule.Source, s3c.Client, cfg.Location(), cfg.Schedule.Window)
	if err != nil {
		if !opts.Force {
			return nil, err
		}
		log.Warn().Err(err).Msg("Schedule unavailable, continuing because the run is forced")
	}

	prober := media.NewProber(cfg.Tools.FFprobe)
	props := Properties(cfg, gateway, prober)
	conditioner := conditioning.New(transient, prober, conditioning.Options{
		FFmpeg:  cfg.Tools.FFmpeg,
		TempDir: cfg.Tools.TempDir,
		Account: cfg.Account,
		Metrics: opts.Metrics,
	})

	igAPI := graph.NewClient(cfg.Graph.BaseURL, instagram.PlatformName)
	fbAPI := graph.NewClient(cfg.Graph.BaseURL, facebook.PlatformName)

	pageID := cfg.Instagram.PageID
	if pageID == "" {
		pageID = cfg.Facebook.PageID
	}
	var pages coordinator.PageChecker
	if pageID != "" {
		pages = igAPI
	}

	runID := runner.NewRunID()
	coord := coordinator.New(gateway, props, conditioner, pages, notifier, coordinator.Options{
		Account:   cfg.Account,
		RunID:     runID,
		PageID:    pageID,
		UserToken: cfg.Instagram.AccessToken,
		Metrics:   opts.Metrics,
	})

	legs := Legs(cfg, igAPI, fbAPI, opts.NoFacebook)

	var scheduler runner.Scheduler
	if sched != nil {
		scheduler = sched
	}
	r := runner.New(gateway, coord, scheduler, legs, lambdaboot.InitLedgerOptional(clients.Config, cfg.Ledger.Table), notifier, runner.Options{
		Account:    cfg.Account,
		Folder:     cfg.Storage.Folder,
		Force:      opts.Force,
		DryRun:     opts.DryRun,
		Location:   cfg.Location(),
		Properties: props,
	}).WithRunID(runID)

	ok = true
	return &App{Runner: r, Notifier: notifier, Config: cfg, S3: s3c}, nil
}

// NewTransient picks the transient backend named in cfg.
func NewTransient(cfg *config.Config, gateway *storage.S3Gateway) (storage.Transient, error) {
	switch cfg.Transient.Backend {
	case config.BackendCloudinary:
		cl := cfg.Transient.Cloudinary
		t, err := storage.NewCloudinaryTransient(cl.CloudName, cl.APIKey, cl.APISecret, cl.Folder)
		if err != nil {
			return nil, apperr.Configuration("cloudinary: %v", err)
		}
		return t, nil
	case config.BackendS3, "":
		return storage.NewS3Transient(gateway, cfg.Storage.TransientPrefix), nil
	default:
		return nil, apperr.Configuration("unknown transient backend %q", cfg.Transient.Backend)
	}
}

// Properties builds the property chain: recorded metadata first, then a
// bounded probe of the fetch URL, then a full download.
func Properties(cfg *config.Config, gateway *storage.S3Gateway, prober *media.Prober) media.PropertySource {
	return media.Chain{
		gateway,
		media.RemoteProbe{Prober: prober, URLs: gateway},
		media.DownloadProbe{Prober: prober, Objects: gateway, TempDir: cfg.Tools.TempDir},
	}
}

// Notifiers fans events out to the log and to whichever sinks cfg enables.
func Notifiers(cfg *config.Config, clients lambdaboot.AWSClients) notify.Notifier {
	sinks := notify.Multi{notify.LogSink{}}
	if cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != "" {
		sinks = append(sinks, notify.Filter{
			Min:  notify.ParseLevel(cfg.Telegram.MinLevel),
			Next: notify.NewTelegramSink(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Account),
		})
	}
	if eb := lambdaboot.InitEventBridgeOptional(clients.Config, cfg.EventBridge.Bus); eb != nil {
		sinks = append(sinks, notify.NewEventBridgeSink(eb, cfg.EventBridge.Bus, notify.ParseLevel(cfg.EventBridge.MinLevel)))
	}
	return sinks
}

// Legs returns the leg builder: Instagram required, Facebook optional.
func Legs(cfg *config.Config, igAPI, fbAPI *graph.Client, noFacebook bool) runner.LegBuilder {
	igPageCheck := cfg.Instagram.PageID != ""
	withFacebook := cfg.Facebook.Enabled && !noFacebook

	return func(m schedule.Match) []coordinator.Leg {
		legs := []coordinator.Leg{{
			Target: publish.Target{
				Platform:   instagram.PlatformName,
				Credential: cfg.Instagram.UserID,
				Caps: publish.Capabilities{
					SupportsReels:     true,
					SupportsImages:    true,
					RequiresPageCheck: igPageCheck,
				},
				Processing: cfg.Polling.Instagram.Policy(),
				Verify:     cfg.Polling.Verify.Policy(),
			},
			Required: true,
			Profile:  classify.Instagram(),
			Caption:  m.InstagramCaption(),
			Connect: func(access *graph.PageAccess) (publish.Platform, error) {
				p := instagram.NewPublisher(igAPI, cfg.Instagram.UserID, cfg.Instagram.AccessToken)
				if access != nil {
					if err := p.CheckPageLink(access); err != nil {
						return nil, err
					}
				}
				return p, nil
			},
		}}
		if !withFacebook {
			return legs
		}
		return append(legs, coordinator.Leg{
			Target: publish.Target{
				Platform:   facebook.PlatformName,
				Credential: cfg.Facebook.PageID,
				Caps: publish.Capabilities{
					SupportsReels:     true,
					SupportsImages:    true,
					RequiresPageCheck: true,
				},
				Processing: cfg.Polling.Facebook.Policy(),
				Verify:     cfg.Polling.Verify.Policy(),
			},
			Profile: classify.Facebook(),
			Caption: m.FacebookCaption(),
			Connect: func(access *graph.PageAccess) (publish.Platform, error) {
				if access == nil || access.PageToken == "" {
					return nil, apperr.Configuration("facebook needs a page token from the page-connection check")
				}
				if access.PageID != cfg.Facebook.PageID {
					return nil, apperr.Configuration("page-connection check covered page %s, facebook posts to %s", access.PageID, cfg.Facebook.PageID)
				}
				return facebook.NewPublisher(fbAPI, access.PageID, access.PageToken).
					WithUploadBaseURL(cfg.Graph.UploadBaseURL), nil
			},
		})
	}
}

// Classify probes a local file or URL and classifies it for profile. It backs
// the CLI's classify command.
func Classify(ctx context.Context, cfg *config.Config, target string, size int64, profile classify.Profile) (classify.Result, error) {
	name := target
	if u, err := url.Parse(target); err == nil && u.Scheme != "" {
		name = u.Path
	}
	asset, ok := media.NewAsset(name, size)
	if !ok {
		return classify.Result{}, fmt.Errorf("%s: unsupported extension", target)
	}
	asset.Path = target
	prober := media.NewProber(cfg.Tools.FFprobe)
	start := time.Now()
	res := classify.Classify(ctx, asset, profile, probeSource{prober})
	log.Debug().Dur("elapsed", time.Since(start)).Msg("Classification done")
	return res, nil
}

type probeSource struct{ p *media.Prober }

func (s probeSource) Properties(ctx context.Context, target string) (*media.Properties, error) {
	return s.p.Probe(ctx, target)
}
