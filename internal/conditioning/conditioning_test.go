package conditioning

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fpang/media-relay/internal/apperr"
	"github.com/fpang/media-relay/internal/classify"
	"github.com/fpang/media-relay/internal/media"
)

type fakeTransient struct {
	puts    map[string]string
	removed []string
	putErr  error
}

func newFakeTransient() *fakeTransient { return &fakeTransient{puts: map[string]string{}} }

func (f *fakeTransient) Put(ctx context.Context, key, localPath, contentType string) (string, error) {
	if f.putErr != nil {
		return "", f.putErr
	}
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}
	f.puts[key] = contentType
	return "https://transient.test/" + key, nil
}

func (f *fakeTransient) Remove(ctx context.Context, key string) error {
	f.removed = append(f.removed, key)
	return nil
}

const conditionedProbe = `{"streams":[{"codec_type":"video","codec_name":"h264","width":1080,"height":1920,"r_frame_rate":"30/1"},{"codec_type":"audio","codec_name":"aac"}],"format":{"duration":"20.0"}}`

func fakeProber() *media.Prober {
	return media.NewProberWithRunner("ffprobe", func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte(conditionedProbe), nil
	})
}

func videoAsset(t *testing.T) *media.Asset {
	a, ok := media.NewAsset("inkwisps/clip.mp4", 50<<20)
	require.True(t, ok)
	return a
}

func TestConditionCompliantPassesThrough(t *testing.T) {
	tr := newFakeTransient()
	c := New(tr, fakeProber(), Options{})
	c.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		t.Fatal("ffmpeg must not run for compliant assets")
		return nil, nil
	}

	props := &media.Properties{Width: 1080, Height: 1920, Codec: "h264"}
	out, err := c.Condition(context.Background(), videoAsset(t), "https://src/clip.mp4", classify.Result{Kind: media.KindVideo, Properties: props}, classify.Instagram())
	require.NoError(t, err)

	assert.False(t, out.WasTransformed)
	assert.Equal(t, "https://src/clip.mp4", out.FetchURL)
	assert.Equal(t, int64(50<<20), out.ByteSize)
	assert.NoError(t, out.Release(context.Background()))
	assert.Empty(t, tr.puts)
	assert.Empty(t, tr.removed)
}

func TestConditionVideoStagesAndReleases(t *testing.T) {
	tr := newFakeTransient()
	c := New(tr, fakeProber(), Options{TempDir: t.TempDir()})

	var outPath string
	c.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		outPath = args[len(args)-1]
		return nil, os.WriteFile(outPath, []byte("h264 bytes"), 0o600)
	}

	a := videoAsset(t)
	res := classify.Result{Kind: media.KindVideo, NeedsConditioning: true, Reasons: []string{"codec vp9 not accepted"},
		Properties: &media.Properties{Width: 1080, Height: 1920, Codec: "vp9", FrameRate: 30, Duration: 20 * time.Second}}
	out, err := c.Condition(context.Background(), a, "https://src/clip.mp4?sig=1", res, classify.Instagram())
	require.NoError(t, err)

	key := TransientKey(a.Path, ".mp4")
	assert.True(t, out.WasTransformed)
	assert.Equal(t, "https://transient.test/"+key, out.FetchURL)
	assert.Equal(t, int64(len("h264 bytes")), out.ByteSize)
	assert.Equal(t, "h264", out.Properties.Codec)
	assert.Equal(t, "video/mp4", tr.puts[key])

	_, statErr := os.Stat(outPath)
	assert.True(t, os.IsNotExist(statErr), "local temp file must be removed")

	require.NoError(t, out.Release(context.Background()))
	require.NoError(t, out.Release(context.Background()))
	assert.Equal(t, []string{key}, tr.removed, "release is idempotent")
}

func TestConditionFailureIsConditioningError(t *testing.T) {
	tr := newFakeTransient()
	c := New(tr, fakeProber(), Options{TempDir: t.TempDir()})
	c.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte("Invalid data found when processing input"), errors.New("exit status 1")
	}

	res := classify.Result{Kind: media.KindVideo, NeedsConditioning: true}
	out, err := c.Condition(context.Background(), videoAsset(t), "https://src/clip.mp4", res, classify.Instagram())

	assert.Nil(t, out)
	assert.ErrorIs(t, err, apperr.ErrConditioning)
	assert.Contains(t, err.Error(), "Invalid data")
	assert.Empty(t, tr.puts)
}

func TestConditionStagingFailure(t *testing.T) {
	tr := newFakeTransient()
	tr.putErr = errors.New("AccessDenied")
	c := New(tr, fakeProber(), Options{TempDir: t.TempDir()})
	c.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, os.WriteFile(args[len(args)-1], []byte("x"), 0o600)
	}

	_, err := c.Condition(context.Background(), videoAsset(t), "https://src/clip.mp4", classify.Result{Kind: media.KindVideo, NeedsConditioning: true}, classify.Instagram())
	assert.ErrorIs(t, err, apperr.ErrConditioning)
}

func TestTransientKeyIsStablePerAsset(t *testing.T) {
	a := TransientKey("inkwisps/clip.mov", ".mp4")
	b := TransientKey("inkwisps/clip.mov", ".mp4")
	other := TransientKey("inkwisps/other.mov", ".mp4")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, other)
	assert.True(t, strings.HasSuffix(a, "/clip.mp4"))
}

func TestBuildVideoArgs(t *testing.T) {
	profile := classify.Instagram()

	t.Run("known properties", func(t *testing.T) {
		props := &media.Properties{Width: 360, Height: 640, FrameRate: 120, Duration: 20 * time.Minute, Codec: "vp9"}
		args := BuildVideoArgs("in.webm", "out.mp4", props, profile)

		assertContains(t, args, "-c:v", "libx264")
		assertContains(t, args, "-c:a", "aac")
		assertContains(t, args, "-movflags", "+faststart")
		assertContains(t, args, "-vf", "scale=540:-2")
		assertContains(t, args, "-r", "60.00")
		assertContains(t, args, "-t", "900.000")
		assert.Equal(t, "out.mp4", args[len(args)-1])
	})

	t.Run("compliant geometry keeps size", func(t *testing.T) {
		props := &media.Properties{Width: 1080, Height: 1920, FrameRate: 30, Duration: 20 * time.Second, Codec: "vp9"}
		args := BuildVideoArgs("in.webm", "out.mp4", props, profile)

		assert.NotContains(t, args, "-vf")
		assert.NotContains(t, args, "-r")
		assert.NotContains(t, args, "-t")
	})

	t.Run("low frame rate raised", func(t *testing.T) {
		props := &media.Properties{Width: 1080, Height: 1920, FrameRate: 15, Duration: 20 * time.Second}
		assertContains(t, BuildVideoArgs("in", "out", props, profile), "-r", "23.00")
	})

	t.Run("unknown properties", func(t *testing.T) {
		args := BuildVideoArgs("in", "out", nil, profile)
		assertContains(t, args, "-vf", "scale='min(max(iw,540),1920)':-2")
		assertContains(t, args, "-fpsmax", "60")
		assertContains(t, args, "-t", "900.000")
	})
}

func TestConditionImage(t *testing.T) {
	var buf bytes.Buffer
	src := image.NewNRGBA(image.Rect(0, 0, 3000, 2000))
	src.Set(10, 10, color.NRGBA{R: 255, A: 255})
	require.NoError(t, png.Encode(&buf, src))

	tr := newFakeTransient()
	c := New(tr, fakeProber(), Options{TempDir: t.TempDir()})
	c.fetch = func(ctx context.Context, url string) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(buf.Bytes())), nil
	}

	a, _ := media.NewAsset("inkwisps/photo.png", 20<<20)
	res := classify.Result{Kind: media.KindImage, NeedsConditioning: true, Reasons: []string{"image size exceeds limit"}}
	out, err := c.Condition(context.Background(), a, "https://src/photo.png", res, classify.Instagram())
	require.NoError(t, err)

	assert.True(t, out.WasTransformed)
	assert.Equal(t, 1920, out.Properties.Width)
	assert.Equal(t, 1280, out.Properties.Height)
	assert.Equal(t, "image/jpeg", tr.puts[TransientKey(a.Path, ".jpg")])
}

func TestFitWidthKeepsSmallImages(t *testing.T) {
	dst := FitWidth(image.NewRGBA(image.Rect(0, 0, 800, 600)), 1920)
	assert.Equal(t, 800, dst.Bounds().Dx())
	assert.Equal(t, 600, dst.Bounds().Dy())
}

// assertContains checks that flag is immediately followed by value.
func assertContains(t *testing.T, args []string, flag, value string) {
	t.Helper()
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag && args[i+1] == value {
			return
		}
	}
	t.Errorf("expected %s %s in args %v", flag, value, args)
}
