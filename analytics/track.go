// Package analytics builds the event tracker used by the upload client.
package analytics

import (
	"fmt"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

type TrackerFactory func(...analytics.Properties) analytics.Tracker

const (
	ClientIDEnvKey = "UPLOAD_CLIENT_ID"
	ClientID       = "client_id"
	SessionID      = "session_id"
)

// NewClientTracker creates a tracker whose events carry the client and session ids.
func NewClientTracker(repository env.Repository, trackerFactory TrackerFactory) (analytics.Tracker, error) {
	clientID := repository.Get(ClientIDEnvKey)
	if clientID == "" {
		return nil, fmt.Errorf("no client ID found in %s", ClientIDEnvKey)
	}
	return trackerFactory(analytics.Properties{ClientID: clientID, SessionID: uuid.NewString()}), nil
}

func NewDefaultClientTracker(repository env.Repository, logger log.Logger) (analytics.Tracker, error) {
	return NewClientTracker(repository, func(properties ...analytics.Properties) analytics.Tracker {
		return analytics.NewDefaultTracker(logger, properties...)
	})
}

// NoopTracker drops every event.
type NoopTracker struct{}

func (NoopTracker) Enqueue(string, ...analytics.Properties) {}

func (NoopTracker) Wait() {}
