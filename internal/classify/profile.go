package classify

import (
	"slices"
	"strings"
	"time"
)

// Profile is one platform's acceptance criteria for uploaded media.
type Profile struct {
	Name string

	VideoCodecs  []string
	ImageFormats []string

	MinWidth int
	MaxWidth int

	MinFPS float64
	MaxFPS float64

	MinDuration time.Duration
	MaxDuration time.Duration

	MaxVideoBytes int64
	MaxImageBytes int64

	// DedicatedShortForm marks a platform whose short-form product only takes
	// true portrait video; eligibility uses IsStrictPortrait instead of the
	// general aspect window.
	DedicatedShortForm bool
}

// Instagram returns the acceptance criteria for Instagram content publishing.
func Instagram() Profile {
	return Profile{
		Name:          "instagram",
		VideoCodecs:   []string{"h264", "hevc"},
		ImageFormats:  []string{"jpeg", "png"},
		MinWidth:      540,
		MaxWidth:      1920,
		MinFPS:        23,
		MaxFPS:        60,
		MinDuration:   3 * time.Second,
		MaxDuration:   15 * time.Minute,
		MaxVideoBytes: 300 << 20,
		MaxImageBytes: 8 << 20,
	}
}

// Facebook returns the acceptance criteria for Facebook Page publishing.
func Facebook() Profile {
	return Profile{
		Name:               "facebook",
		VideoCodecs:        []string{"h264", "hevc"},
		ImageFormats:       []string{"jpeg", "png"},
		MinWidth:           540,
		MaxWidth:           1920,
		MinFPS:             24,
		MaxFPS:             60,
		MinDuration:        3 * time.Second,
		MaxDuration:        20 * time.Minute,
		MaxVideoBytes:      1 << 30,
		MaxImageBytes:      10 << 20,
		DedicatedShortForm: true,
	}
}

// Intersect returns a profile that satisfies every input profile. It is the
// single target used when one conditioned copy serves several platforms.
func Intersect(profiles ...Profile) Profile {
	if len(profiles) == 0 {
		return Profile{}
	}
	out := profiles[0]
	out.VideoCodecs = slices.Clone(out.VideoCodecs)
	out.ImageFormats = slices.Clone(out.ImageFormats)
	names := []string{out.Name}

	for _, p := range profiles[1:] {
		names = append(names, p.Name)
		out.VideoCodecs = intersectStrings(out.VideoCodecs, p.VideoCodecs)
		out.ImageFormats = intersectStrings(out.ImageFormats, p.ImageFormats)
		out.MinWidth = max(out.MinWidth, p.MinWidth)
		out.MaxWidth = minNonZero(out.MaxWidth, p.MaxWidth)
		out.MinFPS = max(out.MinFPS, p.MinFPS)
		out.MaxFPS = minNonZero(out.MaxFPS, p.MaxFPS)
		out.MinDuration = max(out.MinDuration, p.MinDuration)
		out.MaxDuration = minNonZero(out.MaxDuration, p.MaxDuration)
		out.MaxVideoBytes = minNonZero(out.MaxVideoBytes, p.MaxVideoBytes)
		out.MaxImageBytes = minNonZero(out.MaxImageBytes, p.MaxImageBytes)
		out.DedicatedShortForm = out.DedicatedShortForm || p.DedicatedShortForm
	}
	out.Name = strings.Join(names, "+")
	return out
}

func intersectStrings(a, b []string) []string {
	var out []string
	for _, s := range a {
		if slices.Contains(b, s) {
			out = append(out, s)
		}
	}
	return out
}

func minNonZero[T int | int64 | float64 | time.Duration](a, b T) T {
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	default:
		return min(a, b)
	}
}
