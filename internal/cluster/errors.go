package cluster

import "errors"

var (
	// ErrProtocolViolation is returned when a peer sends a frame that does
	// not fit the current protocol step: a bad identity, a malformed task
	// size, or a rejected result payload.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrConnectionLost is returned when the peer closed the connection or
	// a read/write on it failed.
	ErrConnectionLost = errors.New("connection lost")

	// ErrCapacityExceeded is returned when every registry slot is occupied.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrConfiguration is returned for invalid settings and for failures to
	// set up the listening socket.
	ErrConfiguration = errors.New("configuration error")

	// ErrWorkerTimeout is returned when a read deadline expires while
	// waiting for a worker.
	ErrWorkerTimeout = errors.New("worker timeout")

	// ErrRoundComplete is returned when a result arrives after every
	// expected result has already been recorded.
	ErrRoundComplete = errors.New("round already complete")
)
