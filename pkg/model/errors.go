package model

import "github.com/m-mizutani/goerr/v2"

var (
	// ErrChannelNotFound is returned when a channel record does not exist
	ErrChannelNotFound = goerr.New("channel not found")

	// ErrStreamTimeout is the terminal error of a stream that saw no
	// activity within the inactivity window. The caller must re-issue
	// the question; there is no automatic retry.
	ErrStreamTimeout = goerr.New("stream inactivity timeout")

	// ErrReclaimRunning is returned when a reclamation run is triggered
	// while another one is still active. The trigger is skipped, not
	// queued.
	ErrReclaimRunning = goerr.New("reclamation already running")
)
