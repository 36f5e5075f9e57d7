package notifications

import (
	"context"
	"fmt"
	"strings"
)

// OutcomeKind classifies the result of one delivery attempt.
type OutcomeKind int

// Outcome kinds.
const (
	// AllDelivered means every target accepted the message.
	AllDelivered OutcomeKind = iota
	// PartialFailure means at least one target rejected the message.
	PartialFailure
	// NoTargets means the user has no registered device tokens.
	NoTargets
	// TransportError means the push capability itself failed.
	TransportError
)

func (k OutcomeKind) String() string {
	switch k {
	case AllDelivered:
		return "all_delivered"
	case PartialFailure:
		return "partial_failure"
	case NoTargets:
		return "no_targets"
	case TransportError:
		return "transport_error"
	default:
		return "unknown"
	}
}

// TargetError describes a delivery failure for a single device token.
type TargetError struct {
	Token  string
	Reason string
}

// Outcome is the result of one delivery attempt for a job.
type Outcome struct {
	Kind         OutcomeKind
	TargetErrors []TargetError
	Err          error
}

// Reason renders a human-readable failure summary suitable for last_error.
func (o Outcome) Reason() string {
	switch o.Kind {
	case TransportError:
		if o.Err != nil {
			return o.Err.Error()
		}
		return "transport error"
	case PartialFailure:
		parts := make([]string, 0, len(o.TargetErrors))
		for _, te := range o.TargetErrors {
			parts = append(parts, fmt.Sprintf("token %s: %s", te.Token, te.Reason))
		}
		return strings.Join(parts, "; ")
	case NoTargets:
		return "no delivery targets"
	default:
		return ""
	}
}

// MulticastMessage is one batched push request: the full target set of a job
// in a single call.
type MulticastMessage struct {
	Title  string
	Body   string
	Data   map[string]string
	Tokens []string
}

// MulticastResult enumerates per-token success and failure.
type MulticastResult struct {
	SuccessCount int
	FailureCount int
	Errors       []TargetError
}

// PushClient is the external push delivery capability.
type PushClient interface {
	SendMulticast(ctx context.Context, msg MulticastMessage) (*MulticastResult, error)
}

// Deliverer invokes the push capability for a claimed job and translates the
// response into an Outcome.
type Deliverer struct {
	client PushClient
}

// NewDeliverer creates a Deliverer over the given push client.
func NewDeliverer(client PushClient) *Deliverer {
	return &Deliverer{client: client}
}

// Send delivers a claimed job to the given targets in one batched call.
// An empty target set returns NoTargets without contacting the capability.
func (d *Deliverer) Send(ctx context.Context, job *ClaimedJob, targets []string) Outcome {
	if len(targets) == 0 {
		return Outcome{Kind: NoTargets}
	}

	data := make(map[string]string, len(job.Metadata)+2)
	for k, v := range job.Metadata {
		data[k] = v
	}
	data["notificationId"] = job.NotificationID
	if _, ok := data["type"]; !ok {
		data["type"] = "general"
	}

	res, err := d.client.SendMulticast(ctx, MulticastMessage{
		Title:  job.Title,
		Body:   job.Body,
		Data:   data,
		Tokens: targets,
	})
	if err != nil {
		return Outcome{Kind: TransportError, Err: err}
	}

	if res.FailureCount > 0 {
		return Outcome{Kind: PartialFailure, TargetErrors: res.Errors}
	}
	return Outcome{Kind: AllDelivered}
}
