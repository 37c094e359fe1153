// Package publish runs one asset through one platform's asynchronous
// publishing protocol: submit a media container, wait for server-side
// processing, publish it, then confirm it is readable.
//
// The Machine never retries submit or publish. Only the processing and
// verification waits poll, each within a fixed attempt budget.
package publish

import (
	"context"
	"errors"
	"time"

	"github.com/fpang/media-relay/internal/media"
)

// State is a publish job's lifecycle state.
type State string

const (
	StateCreated        State = "CREATED"
	StateSubmitting     State = "SUBMITTING"
	StateProcessing     State = "PROCESSING"
	StateReadyToPublish State = "READY_TO_PUBLISH"
	StatePublishing     State = "PUBLISHING"
	StateVerifying      State = "VERIFYING"
	StateLive           State = "LIVE"

	StateSubmitFailed     State = "SUBMIT_FAILED"
	StateProcessingFailed State = "PROCESSING_FAILED"
	StatePublishFailed    State = "PUBLISH_FAILED"
	StateVerifyTimeout    State = "VERIFY_TIMEOUT"
	// StateConditioningFailed is recorded for jobs that never reached
	// submission because no compliant copy could be produced.
	StateConditioningFailed State = "CONDITIONING_FAILED"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	switch s {
	case StateLive, StateSubmitFailed, StateProcessingFailed, StatePublishFailed,
		StateVerifyTimeout, StateConditioningFailed:
		return true
	}
	return false
}

// Published reports whether the platform accepted the publish call. A
// verification timeout does not undo a publish.
func (s State) Published() bool {
	return s == StateLive || s == StateVerifyTimeout
}

// Product is the platform product an asset is published as.
type Product string

const (
	ProductImage Product = "IMAGE"
	ProductReel  Product = "REEL"
	ProductVideo Product = "VIDEO"
)

// Capabilities describe what a target platform supports.
type Capabilities struct {
	SupportsReels     bool
	SupportsImages    bool
	RequiresPageCheck bool
}

// ErrUnsupported is returned when a target cannot take an asset's kind.
var ErrUnsupported = errors.New("media kind not supported by target")

// SelectProduct picks the product for an asset on a target.
func SelectProduct(kind media.Kind, shortForm bool, caps Capabilities) (Product, error) {
	switch kind {
	case media.KindImage:
		if !caps.SupportsImages {
			return "", ErrUnsupported
		}
		return ProductImage, nil
	case media.KindVideo:
		if shortForm && caps.SupportsReels {
			return ProductReel, nil
		}
		return ProductVideo, nil
	}
	return "", ErrUnsupported
}

// Policy bounds a polling loop.
type Policy struct {
	Attempts int
	Interval time.Duration
}

// Budget is the worst-case wall time the policy can spend waiting.
func (p Policy) Budget() time.Duration {
	return time.Duration(p.Attempts) * p.Interval
}

// Default policies. Instagram processes quickly and is polled often;
// Facebook video processing is slower and polled less often.
var (
	InstagramProcessing = Policy{Attempts: 12, Interval: 5 * time.Second}
	FacebookProcessing  = Policy{Attempts: 8, Interval: 15 * time.Second}
	DefaultVerify       = Policy{Attempts: 5, Interval: 3 * time.Second}
)

// Target is one destination for a publish job.
type Target struct {
	Platform    string
	ContainerID string
	Credential  string
	Caps        Capabilities
	Processing  Policy
	Verify      Policy
}

// CreateRequest is the platform-neutral submit payload.
type CreateRequest struct {
	Product Product
	URL     string
	Caption string
}

// ProcessingStatus is the platform's view of a submitted container.
type ProcessingStatus string

const (
	StatusInProgress ProcessingStatus = "IN_PROGRESS"
	StatusFinished   ProcessingStatus = "FINISHED"
	StatusError      ProcessingStatus = "ERROR"
)

// StatusReport is one processing poll result.
type StatusReport struct {
	Status ProcessingStatus
	Detail string
}

// Platform is the per-platform publishing protocol.
type Platform interface {
	Name() string
	Create(ctx context.Context, req CreateRequest) (creationID string, err error)
	Status(ctx context.Context, creationID string) (StatusReport, error)
	Publish(ctx context.Context, creationID string) (publishedID string, err error)
	Read(ctx context.Context, publishedID string) error
}

// Transition is one entry of a job's history.
type Transition struct {
	From   State
	To     State
	At     time.Time
	Reason string
}

// Job is one asset on one target. It is owned by a single Machine.Run call.
type Job struct {
	Asset    *media.Asset
	Target   Target
	Product  Product
	FetchURL string
	Caption  string

	CreationID  string
	PublishedID string
	State       State
	History     []Transition

	ProcessingPolls int
	VerifyPolls     int
	Err             error

	StartedAt  time.Time
	FinishedAt time.Time
}

// NewJob creates a job in StateCreated.
func NewJob(asset *media.Asset, target Target, product Product, fetchURL, caption string) *Job {
	return &Job{
		Asset:    asset,
		Target:   target,
		Product:  product,
		FetchURL: fetchURL,
		Caption:  caption,
		State:    StateCreated,
	}
}

// Published reports whether the platform accepted the publish call.
func (j *Job) Published() bool { return j.State.Published() }

// Elapsed is the job's wall time.
func (j *Job) Elapsed() time.Duration {
	if j.StartedAt.IsZero() || j.FinishedAt.IsZero() {
		return 0
	}
	return j.FinishedAt.Sub(j.StartedAt)
}
