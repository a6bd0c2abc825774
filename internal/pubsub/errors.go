package pubsub

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownConnection is returned when a connection ID is not registered,
	// for example on a second Unsubscribe of the same ID.
	ErrUnknownConnection = errors.New("pubsub: unknown connection")
	// ErrIteratorDone is returned by Iterator.Next once the iterator has been returned.
	ErrIteratorDone = errors.New("pubsub: iterator done")
	// ErrServiceClosed is returned by operations on a closed Service.
	ErrServiceClosed = errors.New("pubsub: service closed")
	// ErrNilCallback is returned when Subscribe is called without a callback.
	ErrNilCallback = errors.New("pubsub: nil callback")
)

// UnknownConnectionError carries the connection ID that was not found.
type UnknownConnectionError struct {
	ID ConnectionID
}

func (e *UnknownConnectionError) Error() string {
	return fmt.Sprintf("there is no subscription available for a connection with the ID %d", e.ID)
}

// Unwrap lets errors.Is match ErrUnknownConnection.
func (e *UnknownConnectionError) Unwrap() error {
	return ErrUnknownConnection
}

// BrokerCreationError wraps a failure to fetch or create the physical
// subscription for a pool. The connection that triggered the creation stays
// registered until it is explicitly unsubscribed.
type BrokerCreationError struct {
	Topic        string
	Subscription string
	Err          error
}

func (e *BrokerCreationError) Error() string {
	return fmt.Sprintf("create subscription %q for topic %q: %v", e.Subscription, e.Topic, e.Err)
}

// Unwrap returns the broker error.
func (e *BrokerCreationError) Unwrap() error {
	return e.Err
}
