// Package monitor contains the two producers that observe a remote job:
// a bounded polling loop and a push-channel listener. Both report into a
// Sink and never mutate job state themselves.
package monitor

import (
	"context"

	"github.com/lei/simple-qa/internal/models"
	"github.com/lei/simple-qa/internal/provider"
)

// Source identifies which monitor produced an update
type Source string

const (
	SourcePoll Source = "poll"
	SourcePush Source = "push"
)

// Sink receives everything a monitor observes for one job
type Sink interface {
	// Apply forwards a parsed update verbatim
	Apply(src Source, u models.Update)

	// Fail reports a condition that ends monitoring, such as the poll ceiling
	Fail(err error)

	// ConnectionChanged reports push channel transitions
	ConnectionChanged(state models.ConnectionState)
}

// StatusFetcher is the slice of provider.Backend the poll loop needs
type StatusFetcher interface {
	FetchStatus(ctx context.Context, jobID string) (*models.Update, error)
}

// ChannelOpener is the slice of provider.Backend the push monitor needs
type ChannelOpener interface {
	OpenPushChannel(ctx context.Context, jobID string) (provider.PushChannel, error)
}
