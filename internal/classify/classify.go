// Package classify decides what kind of platform product an asset can
// become and whether it must be conditioned before submission.
package classify

import (
	"context"
	"fmt"
	"math"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/media-relay/internal/media"
)

// Short-form (reel) eligibility window.
const (
	ShortFormMinDuration = 3 * time.Second
	ShortFormMaxDuration = 90 * time.Second
	ShortFormMinRatio    = 0.5625
	ShortFormMaxRatio    = 1.7778

	strictMinHeight      = 960
	strictMinWidth       = 540
	strictRatioTolerance = 0.01
)

// Result is the classifier's verdict for one asset against one profile.
type Result struct {
	Kind              media.Kind
	IsShortForm       bool
	NeedsConditioning bool
	Reasons           []string
	Properties        *media.Properties
}

// Reason joins the conditioning reasons for logs and notifications.
func (r Result) Reason() string {
	return strings.Join(r.Reasons, "; ")
}

// IsShortForm applies the general short-form rule.
func IsShortForm(d time.Duration, ratio float64) bool {
	return d >= ShortFormMinDuration && d <= ShortFormMaxDuration &&
		ratio >= ShortFormMinRatio && ratio <= ShortFormMaxRatio
}

// IsStrictPortrait applies the stricter geometry rule of dedicated
// short-form products: true 9:16 at a minimum resolution.
func IsStrictPortrait(width, height int) bool {
	if height < strictMinHeight || width < strictMinWidth {
		return false
	}
	return math.Abs(float64(width)/float64(height)-ShortFormMinRatio) < strictRatioTolerance
}

// ShortForm applies whichever short-form rule the profile calls for.
func ShortForm(p *media.Properties, profile Profile) bool {
	if p == nil {
		return false
	}
	if profile.DedicatedShortForm {
		return IsStrictPortrait(p.Width, p.Height) &&
			p.Duration >= ShortFormMinDuration && p.Duration <= ShortFormMaxDuration
	}
	return IsShortForm(p.Duration, p.AspectRatio())
}

// Classify inspects asset against profile. Properties are resolved through
// src at most once per asset. When they cannot be obtained the asset is
// marked for conditioning instead of failing.
func Classify(ctx context.Context, asset *media.Asset, profile Profile, src media.PropertySource) Result {
	res := Result{Kind: asset.Kind}

	switch asset.Kind {
	case media.KindImage:
		format := imageFormat(asset.Name)
		if !slices.Contains(profile.ImageFormats, format) {
			res.Reasons = append(res.Reasons, fmt.Sprintf("image format %s not accepted", format))
		}
		if profile.MaxImageBytes > 0 && asset.Size > profile.MaxImageBytes {
			res.Reasons = append(res.Reasons, fmt.Sprintf("image size %d exceeds %d", asset.Size, profile.MaxImageBytes))
		}
	case media.KindVideo:
		props, err := asset.LoadProperties(ctx, src)
		if err != nil || props == nil {
			log.Warn().Err(err).Str("asset", asset.Name).Msg("Video properties unavailable, will condition")
			res.Reasons = append(res.Reasons, "properties unavailable")
			break
		}
		res.Properties = props
		res.IsShortForm = ShortForm(props, profile)
		res.Reasons = append(res.Reasons, videoViolations(props, asset.Size, profile)...)
	}

	res.NeedsConditioning = len(res.Reasons) > 0
	log.Debug().
		Str("asset", asset.Name).
		Str("profile", profile.Name).
		Str("kind", string(res.Kind)).
		Bool("shortForm", res.IsShortForm).
		Bool("needsConditioning", res.NeedsConditioning).
		Str("reason", res.Reason()).
		Msg("Asset classified")
	return res
}

func videoViolations(p *media.Properties, size int64, profile Profile) []string {
	var out []string
	if !slices.Contains(profile.VideoCodecs, strings.ToLower(p.Codec)) {
		out = append(out, fmt.Sprintf("codec %s not accepted", p.Codec))
	}
	if profile.MinWidth > 0 && p.Width < profile.MinWidth {
		out = append(out, fmt.Sprintf("width %d below %d", p.Width, profile.MinWidth))
	}
	if profile.MaxWidth > 0 && p.Width > profile.MaxWidth {
		out = append(out, fmt.Sprintf("width %d above %d", p.Width, profile.MaxWidth))
	}
	if p.FrameRate < profile.MinFPS || (profile.MaxFPS > 0 && p.FrameRate > profile.MaxFPS) {
		out = append(out, fmt.Sprintf("frame rate %.2f outside [%.0f, %.0f]", p.FrameRate, profile.MinFPS, profile.MaxFPS))
	}
	if p.Duration < profile.MinDuration || (profile.MaxDuration > 0 && p.Duration > profile.MaxDuration) {
		out = append(out, fmt.Sprintf("duration %s outside [%s, %s]", p.Duration, profile.MinDuration, profile.MaxDuration))
	}
	if profile.MaxVideoBytes > 0 && size > profile.MaxVideoBytes {
		out = append(out, fmt.Sprintf("size %d exceeds %d", size, profile.MaxVideoBytes))
	}
	return out
}

func imageFormat(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".jpg", ".jpeg":
		return "jpeg"
	case ".png":
		return "png"
	default:
		return strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".")
	}
}
