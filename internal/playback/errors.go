package playback

import "errors"

var (
	// ErrEmptyText is returned by Speak for blank text.
	ErrEmptyText = errors.New("text must not be empty")
	// ErrInvalidOptions wraps the backend's reason for rejecting options.
	ErrInvalidOptions = errors.New("invalid options")
	// ErrClosed is returned once the controller has been closed.
	ErrClosed = errors.New("playback controller closed")
)
