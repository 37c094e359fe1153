package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fpang/media-relay/internal/apperr"
	"github.com/fpang/media-relay/internal/config"
	"github.com/fpang/media-relay/internal/facebook"
	"github.com/fpang/media-relay/internal/graph"
	"github.com/fpang/media-relay/internal/instagram"
	"github.com/fpang/media-relay/internal/lambdaboot"
	"github.com/fpang/media-relay/internal/notify"
	"github.com/fpang/media-relay/internal/publish"
	"github.com/fpang/media-relay/internal/schedule"
	"github.com/fpang/media-relay/internal/storage"
)

func testConfig() *config.Config {
	cfg := &config.Config{Account: "inkwisps"}
	cfg.Instagram.UserID = "ig-1"
	cfg.Instagram.AccessToken = "user-token"
	cfg.Instagram.PageID = "page-1"
	cfg.Facebook.Enabled = true
	cfg.Facebook.PageID = "page-1"
	cfg.Polling.Instagram = config.PolicyConfig{Attempts: 12, Interval: publish.InstagramProcessing.Interval}
	cfg.Polling.Facebook = config.PolicyConfig{Attempts: 8, Interval: publish.FacebookProcessing.Interval}
	cfg.Polling.Verify = config.PolicyConfig{Attempts: 5, Interval: publish.DefaultVerify.Interval}
	return cfg
}

func TestLegsInstagramRequiredFacebookOptional(t *testing.T) {
	cfg := testConfig()
	api := graph.NewClient("http://unused", "x")
	m := schedule.Match{Day: schedule.Day{Caption: "short", Description: "long"}}

	legs := Legs(cfg, api, api, false)(m)
	require.Len(t, legs, 2)

	ig, fb := legs[0], legs[1]
	assert.Equal(t, instagram.PlatformName, ig.Target.Platform)
	assert.True(t, ig.Required)
	assert.True(t, ig.Target.Caps.RequiresPageCheck)
	assert.Equal(t, publish.InstagramProcessing, ig.Target.Processing)
	assert.Equal(t, "short", ig.Caption)

	assert.Equal(t, facebook.PlatformName, fb.Target.Platform)
	assert.False(t, fb.Required)
	assert.Equal(t, publish.FacebookProcessing, fb.Target.Processing)
	assert.Equal(t, "long", fb.Caption)

	assert.Len(t, Legs(cfg, api, api, true)(m), 1, "--no-facebook drops the optional leg")
}

func TestInstagramConnectChecksLinkedAccount(t *testing.T) {
	cfg := testConfig()
	api := graph.NewClient("http://unused", "x")
	ig := Legs(cfg, api, api, false)(schedule.Match{})[0]

	_, err := ig.Connect(&graph.PageAccess{PageID: "page-1", PageToken: "pt", InstagramAccountID: "someone-else"})
	assert.ErrorIs(t, err, apperr.ErrConfiguration)

	p, err := ig.Connect(&graph.PageAccess{PageID: "page-1", PageToken: "pt", InstagramAccountID: "ig-1"})
	require.NoError(t, err)
	assert.Equal(t, instagram.PlatformName, p.Name())
}

func TestFacebookConnectNeedsMatchingPageToken(t *testing.T) {
	cfg := testConfig()
	api := graph.NewClient("http://unused", "x")
	fb := Legs(cfg, api, api, false)(schedule.Match{})[1]

	_, err := fb.Connect(nil)
	assert.ErrorIs(t, err, apperr.ErrConfiguration)

	_, err = fb.Connect(&graph.PageAccess{PageID: "other-page", PageToken: "pt"})
	assert.ErrorIs(t, err, apperr.ErrConfiguration)

	p, err := fb.Connect(&graph.PageAccess{PageID: "page-1", PageToken: "pt"})
	require.NoError(t, err)
	assert.Equal(t, facebook.PlatformName, p.Name())
}

func TestNewTransientBackends(t *testing.T) {
	cfg := testConfig()
	gw := storage.NewS3Gateway(nil, nil, "bucket", 0)

	cfg.Transient.Backend = config.BackendS3
	tr, err := NewTransient(cfg, gw)
	require.NoError(t, err)
	assert.IsType(t, &storage.S3Transient{}, tr)

	cfg.Transient.Backend = "ftp"
	_, err = NewTransient(cfg, gw)
	assert.True(t, errors.Is(err, apperr.ErrConfiguration))
}

func TestNotifiersOnlyEnabledSinks(t *testing.T) {
	cfg := testConfig()
	sinks, ok := Notifiers(cfg, lambdaboot.AWSClients{}).(notify.Multi)
	require.True(t, ok)
	assert.Len(t, sinks, 1, "log sink only")

	cfg.Telegram.BotToken = "tok"
	cfg.Telegram.ChatID = "chat"
	sinks = Notifiers(cfg, lambdaboot.AWSClients{}).(notify.Multi)
	assert.Len(t, sinks, 2)
}

func TestCloseIsBoundedByInvocationDeadline(t *testing.T) {
	slow := notify.Func(func(context.Context, notify.Event) { time.Sleep(300 * time.Millisecond) })
	a := &App{Notifier: notify.NewAsync(slow, 16)}
	for i := 0; i < 5; i++ {
		a.Notifier.Notify(context.Background(), notify.Event{Message: "queued"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	a.Close(ctx)

	assert.Less(t, time.Since(start), 500*time.Millisecond, "Close must not outlive the invocation")
}

func TestDrainContext(t *testing.T) {
	t.Run("no deadline uses the limit", func(t *testing.T) {
		ctx, cancel := DrainContext(context.Background(), time.Second)
		defer cancel()
		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(time.Second), deadline, 100*time.Millisecond)
	})

	t.Run("invocation deadline caps the limit", func(t *testing.T) {
		parent, cancelParent := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancelParent()
		ctx, cancel := DrainContext(parent, time.Minute)
		defer cancel()
		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(2*time.Second-drainMargin), deadline, 100*time.Millisecond)
	})

	t.Run("survives a cancelled parent", func(t *testing.T) {
		parent, cancelParent := context.WithCancel(context.Background())
		cancelParent()
		ctx, cancel := DrainContext(parent, time.Second)
		defer cancel()
		assert.NoError(t, ctx.Err())
	})

	t.Run("expired parent drains nothing", func(t *testing.T) {
		parent, cancelParent := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
		defer cancelParent()
		ctx, cancel := DrainContext(parent, time.Second)
		defer cancel()
		<-ctx.Done()
		assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
	})
}
