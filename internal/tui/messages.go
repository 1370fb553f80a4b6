package tui

import "github.com/Aayaan-Sahu/kova/usecase"

// FeedConnectedMsg is sent when the live feed socket is open.
type FeedConnectedMsg struct {
	Feed *Feed
}

// FeedConnectErrorMsg is sent when the live feed cannot be reached.
type FeedConnectErrorMsg struct {
	Err error
}

// FeedErrorMsg is sent when an open live feed fails.
type FeedErrorMsg struct {
	Err error
}

// StateMsg carries a full agent snapshot.
type StateMsg struct {
	Snapshot usecase.Snapshot
}

// CallEndedMsg reports a call that ended on its own.
type CallEndedMsg struct {
	SessionID string
	Reason    string
	Error     string
}

// ActionResultMsg carries the outcome of a control request.
type ActionResultMsg struct {
	Action string
	Err    error
}

// ReconnectTickMsg triggers a reconnection attempt.
type ReconnectTickMsg struct{}

// ClearTransientErrorMsg clears a transient error message.
type ClearTransientErrorMsg struct{}
