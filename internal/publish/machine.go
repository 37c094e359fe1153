package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"

	"github.com/fpang/media-relay/internal/apperr"
	"github.com/fpang/media-relay/internal/notify"
)

var (
	// ErrProcessingFailed means the platform reported an explicit ERROR status.
	ErrProcessingFailed = errors.New("platform reported processing error")
	// ErrProcessingTimeout means the processing budget ran out first.
	ErrProcessingTimeout = errors.New("processing did not finish within budget")
	// ErrVerifyTimeout means the published media could not be read back.
	ErrVerifyTimeout = errors.New("published media not readable")

	errStillProcessing = errors.New("still processing")
)

// Machine drives a Job through one Platform.
type Machine struct {
	platform Platform
	notifier notify.Notifier
	runID    string
	now      func() time.Time
}

// NewMachine creates a Machine. A nil notifier discards events.
func NewMachine(platform Platform, notifier notify.Notifier, runID string) *Machine {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Machine{platform: platform, notifier: notifier, runID: runID, now: time.Now}
}

// Run advances job until it reaches a terminal state and returns it. Failures
// are recorded on the job rather than returned.
func (m *Machine) Run(ctx context.Context, job *Job) *Job {
	job.StartedAt = m.now()
	defer func() { job.FinishedAt = m.now() }()

	m.transition(ctx, job, StateSubmitting, "")
	creationID, err := m.platform.Create(ctx, CreateRequest{
		Product: job.Product,
		URL:     job.FetchURL,
		Caption: job.Caption,
	})
	if err != nil {
		m.fail(ctx, job, StateSubmitFailed, err)
		return job
	}
	job.CreationID = creationID

	if job.Product != ProductImage {
		m.transition(ctx, job, StateProcessing, "")
		if err := m.waitProcessing(ctx, job); err != nil {
			m.fail(ctx, job, StateProcessingFailed, err)
			return job
		}
	}
	m.transition(ctx, job, StateReadyToPublish, "")

	m.transition(ctx, job, StatePublishing, "")
	publishedID, err := m.platform.Publish(ctx, job.CreationID)
	if err != nil {
		m.fail(ctx, job, StatePublishFailed, err)
		return job
	}
	job.PublishedID = publishedID

	m.transition(ctx, job, StateVerifying, "")
	if err := m.verify(ctx, job); err != nil {
		job.Err = err
		m.transition(ctx, job, StateVerifyTimeout, err.Error())
		return job
	}
	m.transition(ctx, job, StateLive, "")
	return job
}

// backoff builds a constant backoff that allows exactly p.Attempts calls.
func backoff(p Policy) retry.Backoff {
	interval := p.Interval
	if interval <= 0 {
		interval = time.Millisecond
	}
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return retry.WithMaxRetries(uint64(attempts-1), retry.NewConstant(interval))
}

func (m *Machine) waitProcessing(ctx context.Context, job *Job) error {
	policy := job.Target.Processing
	var last StatusReport

	err := retry.Do(ctx, backoff(policy), func(ctx context.Context) error {
		job.ProcessingPolls++
		report, err := m.platform.Status(ctx, job.CreationID)
		if err != nil {
			log.Warn().Err(err).Str("platform", m.platform.Name()).Str("creationId", job.CreationID).
				Int("poll", job.ProcessingPolls).Msg("Processing status poll error, retrying")
			return retry.RetryableError(err)
		}
		last = report
		switch report.Status {
		case StatusFinished:
			return nil
		case StatusError:
			return &apperr.Error{
				Base:     apperr.ErrPlatformRejected,
				Platform: m.platform.Name(),
				Message:  report.Detail,
				Err:      ErrProcessingFailed,
			}
		default:
			log.Debug().Str("platform", m.platform.Name()).Str("creationId", job.CreationID).
				Int("poll", job.ProcessingPolls).Str("status", string(report.Status)).Msg("Container still processing")
			return retry.RetryableError(errStillProcessing)
		}
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrProcessingFailed):
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("processing wait interrupted: %w", ctx.Err())
	default:
		cause := err
		if errors.Is(err, errStillProcessing) {
			cause = fmt.Errorf("last status %s", last.Status)
		}
		return apperr.Transient(m.platform.Name(),
			fmt.Errorf("%w: %d polls over %s: %v", ErrProcessingTimeout, job.ProcessingPolls, policy.Budget(), cause))
	}
}

func (m *Machine) verify(ctx context.Context, job *Job) error {
	err := retry.Do(ctx, backoff(job.Target.Verify), func(ctx context.Context) error {
		job.VerifyPolls++
		err := m.platform.Read(ctx, job.PublishedID)
		if err == nil {
			return nil
		}
		if apperr.IsClientError(err) {
			return err
		}
		log.Debug().Err(err).Str("platform", m.platform.Name()).Str("publishedId", job.PublishedID).
			Int("poll", job.VerifyPolls).Msg("Published media not readable yet")
		return retry.RetryableError(err)
	})
	if err != nil {
		return fmt.Errorf("%w after %d reads: %w", ErrVerifyTimeout, job.VerifyPolls, err)
	}
	return nil
}

func (m *Machine) fail(ctx context.Context, job *Job, to State, err error) {
	job.Err = err
	m.transition(ctx, job, to, err.Error())
}

func (m *Machine) transition(ctx context.Context, job *Job, to State, reason string) {
	from := job.State
	job.State = to
	job.History = append(job.History, Transition{From: from, To: to, At: m.now(), Reason: reason})

	ev := notify.Event{
		Time:        m.now(),
		Level:       notify.LevelDebug,
		Kind:        notify.KindTransition,
		RunID:       m.runID,
		Platform:    m.platform.Name(),
		State:       string(to),
		CreationID:  job.CreationID,
		PublishedID: job.PublishedID,
		Message:     fmt.Sprintf("%s → %s", from, to),
	}
	if job.Asset != nil {
		ev.Asset = job.Asset.Name
	}
	switch to {
	case StateLive:
		ev.Level = notify.LevelInfo
		ev.Message = fmt.Sprintf("Published %s as %s (id %s)", ev.Asset, job.Product, job.PublishedID)
	case StateVerifyTimeout:
		ev.Level = notify.LevelWarn
		ev.Message = fmt.Sprintf("Published %s (id %s) but could not confirm it: %s", ev.Asset, job.PublishedID, reason)
	case StateSubmitFailed, StateProcessingFailed, StatePublishFailed:
		ev.Level = notify.LevelError
		ev.Message = fmt.Sprintf("%s for %s: %s", to, ev.Asset, describe(job.Err))
		if code, _, ok := apperr.PlatformCode(job.Err); ok {
			ev.Code = code
		}
	}

	log.Debug().Str("platform", m.platform.Name()).Str("from", string(from)).Str("to", string(to)).Msg("Publish job transition")
	m.notifier.Notify(ctx, ev)
}

// describe prefers the platform's own message over the wrapped chain.
func describe(err error) string {
	if _, msg, ok := apperr.PlatformCode(err); ok && msg != "" {
		return msg
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
