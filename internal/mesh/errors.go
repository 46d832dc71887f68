package mesh

import (
	"errors"
	"fmt"
)

var (
	ErrClosed          = errors.New("peer connection closed")
	ErrSelfConnect     = errors.New("cannot connect to self")
	ErrMalformedSignal = errors.New("malformed signal")
	ErrUnknownKind     = errors.New("unknown signal type")
	ErrMeshClosed      = errors.New("mesh closed")
	ErrInvalidPeer     = errors.New("invalid peer id")

	// errAbandoned marks an offer dropped because a remote offer won the race.
	errAbandoned = errors.New("local offer abandoned")
)

// OpError records which step failed against which peer.
type OpError struct {
	Op   string
	Peer string
	Err  error
}

func (e *OpError) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Peer, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func newError(op, peer string, err error) *OpError {
	return &OpError{Op: op, Peer: peer, Err: err}
}
