package noderegistry

import (
	"errors"
	"fmt"
)

var (
	ErrNodeNotFound       = errors.New("node connection not found")
	ErrConnectionCreation = errors.New("node connection creation failed")
	ErrRegistryClosed     = errors.New("registry is closed")
)

// NodeNotFoundError is returned by Lookup when no connection is registered under Name.
type NodeNotFoundError struct {
	Name NodeName
}

func (e *NodeNotFoundError) Error() string {
	return fmt.Sprintf("node %q: %v", e.Name, ErrNodeNotFound)
}

func (e *NodeNotFoundError) Is(target error) bool {
	return target == ErrNodeNotFound
}

// ConnectionCreationError is returned by GetOrCreate when the CreateFunc fails,
// the caller's context ends while waiting, or the registry is closed.
type ConnectionCreationError struct {
	Name NodeName
	Err  error
}

func (e *ConnectionCreationError) Error() string {
	return fmt.Sprintf("node %q: create connection: %v", e.Name, e.Err)
}

func (e *ConnectionCreationError) Unwrap() error { return e.Err }

func (e *ConnectionCreationError) Is(target error) bool {
	return target == ErrConnectionCreation
}
