package engine

import (
	"errors"
	"fmt"

	"github.com/kuuji/wgpanel/internal/ipam"
	"github.com/kuuji/wgpanel/internal/store"
	"github.com/kuuji/wgpanel/internal/tunnel"
)

var (
	// ErrValidation wraps every rejection of caller input.
	ErrValidation = errors.New("invalid request")

	// ErrNotFound is returned for unknown peer ids.
	ErrNotFound = errors.New("not found")

	// ErrPoolExhausted is returned when the interface network has no free
	// host address left.
	ErrPoolExhausted = ipam.ErrPoolExhausted

	// ErrConflict is returned when a peer would share a public key or address
	// with an existing one.
	ErrConflict = store.ErrConflict

	// ErrKernel matches every *KernelError.
	ErrKernel = errors.New("kernel operation failed")
)

// KernelError reports a failed kernel operation (link, address, route, peer
// or NAT). The roster may already hold the change; the next full
// synchronisation on start repairs the kernel side.
type KernelError struct {
	Op  string
	Err error
}

func (e *KernelError) Error() string {
	return fmt.Sprintf("kernel %s: %v", e.Op, e.Err)
}

func (e *KernelError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrKernel) true for any KernelError.
func (e *KernelError) Is(target error) bool {
	return target == ErrKernel
}

func kernelErr(op string, err error) error {
	return &KernelError{Op: op, Err: err}
}

// peerSyncErr reports peer material the kernel cannot accept as a
// validation error and anything else as a KernelError.
func peerSyncErr(op string, err error) error {
	if errors.Is(err, tunnel.ErrInvalidPeerConfig) {
		return fmt.Errorf("%w: %s: %w", ErrValidation, op, err)
	}
	return kernelErr(op, err)
}

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// rosterErr maps store sentinels onto the engine's.
func rosterErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
