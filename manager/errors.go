package manager

import "errors"

var (
	// ErrUnknownConnection is returned for a connection id not in the directory.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrUnknownSession is returned for a session id not in the directory.
	ErrUnknownSession = errors.New("unknown session")
	// ErrUnknownApproval is returned when an approval was already answered or never seen.
	ErrUnknownApproval = errors.New("unknown approval request")
	// ErrNoActiveTurn is returned when interrupting an idle session.
	ErrNoActiveTurn = errors.New("session has no active turn")
	// ErrNoThread is returned for a session that has no daemon thread yet.
	ErrNoThread = errors.New("session has no thread")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("supervisor closed")
)
