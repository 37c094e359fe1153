package schedule

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fpang/media-relay/internal/apperr"
)

const doc = `{
  "inkwisps": {
    "Monday": {"times": ["09:00", "18:30"], "caption": "Monday words", "description": "A longer Monday note"},
    "Tuesday": {"times": ["12:00"], "caption": "Tuesday words"}
  }
}`

func ist(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	return loc
}

func TestMatchWithinWindow(t *testing.T) {
	loc := ist(t)
	s, err := Parse([]byte(doc), loc, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultWindow, s.Window())

	// 2026-10-19 is a Monday.
	tests := []struct {
		name    string
		at      time.Time
		matched bool
		slot    string
	}{
		{"exact", time.Date(2026, 10, 19, 9, 0, 0, 0, loc), true, "09:00"},
		{"four minutes late", time.Date(2026, 10, 19, 9, 4, 59, 0, loc), true, "09:00"},
		{"edge of window", time.Date(2026, 10, 19, 18, 25, 0, 0, loc), true, "18:30"},
		{"six minutes late", time.Date(2026, 10, 19, 9, 6, 0, 0, loc), false, ""},
		{"between slots", time.Date(2026, 10, 19, 13, 0, 0, 0, loc), false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := s.Match(tt.at, "inkwisps")
			assert.Equal(t, tt.matched, m.Matched)
			assert.Equal(t, tt.slot, m.Slot)
			assert.Equal(t, "Monday words", m.InstagramCaption())
			assert.Equal(t, []string{"09:00", "18:30"}, m.Allowed)
		})
	}
}

func TestMatchConvertsToScheduleTimezone(t *testing.T) {
	s, err := Parse([]byte(doc), ist(t), 0)
	require.NoError(t, err)

	// 03:30 UTC is 09:00 IST.
	m := s.Match(time.Date(2026, 10, 19, 3, 30, 0, 0, time.UTC), "inkwisps")
	assert.True(t, m.Matched)
	assert.Equal(t, "Monday", m.Local.Weekday().String())
}

func TestFacebookCaptionFallsBack(t *testing.T) {
	loc := ist(t)
	s, err := Parse([]byte(doc), loc, 0)
	require.NoError(t, err)

	monday := s.Match(time.Date(2026, 10, 19, 9, 0, 0, 0, loc), "inkwisps")
	assert.Equal(t, "A longer Monday note", monday.FacebookCaption())

	tuesday := s.Match(time.Date(2026, 10, 20, 12, 0, 0, 0, loc), "inkwisps")
	assert.True(t, tuesday.Matched)
	assert.Equal(t, "Tuesday words", tuesday.FacebookCaption())
}

func TestUnknownAccountOrDayNeverMatches(t *testing.T) {
	loc := ist(t)
	s, err := Parse([]byte(doc), loc, 0)
	require.NoError(t, err)

	assert.False(t, s.Match(time.Date(2026, 10, 19, 9, 0, 0, 0, loc), "other").Matched)
	assert.False(t, s.Match(time.Date(2026, 10, 21, 9, 0, 0, 0, loc), "inkwisps").Matched)
}

func TestParseRejectsBadInput(t *testing.T) {
	_, err := Parse([]byte(`{"a": {"Monday": {"times": ["9am"]}}}`), nil, 0)
	assert.ErrorIs(t, err, apperr.ErrConfiguration)

	_, err = Parse([]byte(`not json`), nil, 0)
	assert.ErrorIs(t, err, apperr.ErrConfiguration)
}

func TestLoadLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	s, err := Load(context.Background(), path, nil, ist(t), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, s.Window())
	assert.Len(t, s.Days("inkwisps"), 2)
}

type fakeGetter struct {
	bucket, key string
	err         error
}

func (f *fakeGetter) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.bucket, f.key = *in.Bucket, *in.Key
	if f.err != nil {
		return nil, f.err
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(doc))}, nil
}

func TestLoadFromS3(t *testing.T) {
	g := &fakeGetter{}
	s, err := Load(context.Background(), "s3://config-bucket/scheduler/config.json", g, ist(t), 0)
	require.NoError(t, err)
	assert.Equal(t, "config-bucket", g.bucket)
	assert.Equal(t, "scheduler/config.json", g.key)
	assert.NotNil(t, s.Days("inkwisps"))

	_, err = Load(context.Background(), "s3://config-bucket/x.json", &fakeGetter{err: errors.New("denied")}, nil, 0)
	assert.Error(t, err)

	_, err = Load(context.Background(), "s3://config-bucket/x.json", nil, nil, 0)
	assert.ErrorIs(t, err, apperr.ErrConfiguration)
}
