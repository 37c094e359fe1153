// Package schedule decides whether a run falls inside one of the account's
// posting slots and supplies the day's captions.
//
// The schedule is a JSON document keyed by account, then by English weekday
// name:
//
//	{"inkwisps": {"Monday": {"times": ["09:00", "18:30"], "caption": "...", "description": "..."}}}
package schedule

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/fpang/media-relay/internal/apperr"
)

const (
	DefaultTimezone = "Asia/Kolkata"
	DefaultWindow   = 300 * time.Second
)

// Day is one weekday's configuration for an account.
type Day struct {
	Times       []string `json:"times"`
	Caption     string   `json:"caption"`
	Description string   `json:"description,omitempty"`
}

// Schedule holds every account's weekly slots.
type Schedule struct {
	accounts map[string]map[string]Day
	loc      *time.Location
	window   time.Duration
}

// Match is the result of checking one instant against the schedule.
type Match struct {
	Matched bool
	// Slot is the matched "HH:MM" entry, empty when nothing matched.
	Slot    string
	Local   time.Time
	Allowed []string
	Day     Day
}

// InstagramCaption is the caption for the Instagram post.
func (m Match) InstagramCaption() string { return m.Day.Caption }

// FacebookCaption prefers the longer description and falls back to the caption.
func (m Match) FacebookCaption() string {
	if m.Day.Description != "" {
		return m.Day.Description
	}
	return m.Day.Caption
}

// Parse decodes a schedule document. loc nil means DefaultTimezone; window
// zero means DefaultWindow.
func Parse(data []byte, loc *time.Location, window time.Duration) (*Schedule, error) {
	var accounts map[string]map[string]Day
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, apperr.Configuration("parse schedule: %v", err)
	}
	if loc == nil {
		var err error
		if loc, err = time.LoadLocation(DefaultTimezone); err != nil {
			return nil, apperr.Configuration("load timezone %s: %v", DefaultTimezone, err)
		}
	}
	if window <= 0 {
		window = DefaultWindow
	}
	for account, days := range accounts {
		for day, d := range days {
			for _, t := range d.Times {
				if _, err := time.Parse("15:04", t); err != nil {
					return nil, apperr.Configuration("schedule %s/%s: bad time %q", account, day, t)
				}
			}
		}
	}
	return &Schedule{accounts: accounts, loc: loc, window: window}, nil
}

// ObjectGetter is the S3 call used to read a schedule stored in a bucket.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Load reads a schedule from a local path or an s3://bucket/key URI. objects
// may be nil when source is a local path.
func Load(ctx context.Context, source string, objects ObjectGetter, loc *time.Location, window time.Duration) (*Schedule, error) {
	var (
		data []byte
		err  error
	)
	if bucket, key, ok := splitS3URI(source); ok {
		if objects == nil {
			return nil, apperr.Configuration("schedule %s is in S3 but no S3 client is available", source)
		}
		data, err = readObject(ctx, objects, bucket, key)
	} else {
		data, err = os.ReadFile(source)
	}
	if err != nil {
		return nil, fmt.Errorf("read schedule %s: %w", source, err)
	}
	log.Debug().Str("source", source).Int("bytes", len(data)).Msg("Schedule loaded")
	return Parse(data, loc, window)
}

func readObject(ctx context.Context, objects ObjectGetter, bucket, key string) ([]byte, error) {
	out, err := objects.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, out.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func splitS3URI(s string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(s, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// Location is the timezone slots are interpreted in.
func (s *Schedule) Location() *time.Location { return s.loc }

// Window is the allowed distance between now and a slot.
func (s *Schedule) Window() time.Duration { return s.window }

// Match checks now against the account's slots for the current local
// weekday. The day's captions are returned even when no slot matches.
func (s *Schedule) Match(now time.Time, account string) Match {
	local := now.In(s.loc)
	day := s.accounts[account][local.Weekday().String()]
	m := Match{Local: local, Allowed: day.Times, Day: day}

	for _, t := range day.Times {
		hm, err := time.Parse("15:04", t)
		if err != nil {
			continue
		}
		slot := time.Date(local.Year(), local.Month(), local.Day(), hm.Hour(), hm.Minute(), 0, 0, s.loc)
		diff := local.Sub(slot)
		if diff < 0 {
			diff = -diff
		}
		if diff <= s.window {
			m.Matched = true
			m.Slot = t
			log.Info().Str("slot", t).Dur("window", s.window).Msg("Matched scheduled time")
			return m
		}
	}
	return m
}

// Days returns the configured weekdays for an account.
func (s *Schedule) Days(account string) map[string]Day {
	return s.accounts[account]
}
