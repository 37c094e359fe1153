package metrics

import (
	"io"
	"time"
)

// Namespace is the CloudWatch namespace for every media-relay metric.
const Namespace = "MediaRelay"

// Metric names emitted per platform leg.
const (
	PublishJobMs         = "PublishJobMs"
	ProcessingPolls      = "ProcessingPolls"
	VerifyPolls          = "VerifyPolls"
	ConditioningMs       = "ConditioningMs"
	PublishLive          = "PublishLive"
	PublishFailed        = "PublishFailed"
	VerifyTimeout        = "VerifyTimeout"
	ConditioningFailures = "ConditioningFailures"
)

// LegSample is the per-platform data a run reports once it concludes.
type LegSample struct {
	Account         string
	Platform        string
	State           string
	Published       bool
	Live            bool
	Elapsed         time.Duration
	ProcessingPolls int
	VerifyPolls     int
}

// RecordLeg flushes one EMF line for a concluded platform leg.
func RecordLeg(w io.Writer, s LegSample) {
	r := NewWithWriter(Namespace, w).
		Dimension("Account", s.Account).
		Dimension("Platform", s.Platform).
		Duration(PublishJobMs, s.Elapsed).
		Metric(ProcessingPolls, float64(s.ProcessingPolls), UnitCount).
		Metric(VerifyPolls, float64(s.VerifyPolls), UnitCount).
		Property("state", s.State)

	switch {
	case s.Live:
		r.Count(PublishLive)
	case s.Published:
		r.Count(VerifyTimeout)
	default:
		r.Count(PublishFailed)
	}
	r.Flush()
}

// RecordConditioning flushes one EMF line for a conditioning pass.
func RecordConditioning(w io.Writer, account, kind string, elapsed time.Duration, outputBytes int64, err error) {
	r := NewWithWriter(Namespace, w).
		Dimension("Account", account).
		Dimension("Kind", kind).
		Duration(ConditioningMs, elapsed)
	if err != nil {
		r.Count(ConditioningFailures).Property("error", err.Error())
	} else {
		r.Metric("ConditionedBytes", float64(outputBytes), UnitBytes)
	}
	r.Flush()
}
