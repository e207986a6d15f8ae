package colibri

import "errors"

// Errors surfaced by the session manager. Each maps to a distinct outcome for
// the caller: rechoose, retry elsewhere, ignore, or give up.
var (
	// ErrBridgeUnavailable: no bridge satisfies the selection constraints.
	ErrBridgeUnavailable = errors.New("no bridge available")
	// ErrBridgeInGracefulShutdown: the chosen bridge started draining between
	// selection and allocation; the caller should rechoose.
	ErrBridgeInGracefulShutdown = errors.New("bridge is in graceful shutdown")
	// ErrBridgeFailedDuringAllocation: the allocation request failed or timed
	// out; the caller should retry on a different bridge.
	ErrBridgeFailedDuringAllocation = errors.New("bridge failed during allocation")
	// ErrAllocationFailed: the bridge answered with a hard error condition.
	ErrAllocationFailed = errors.New("bridge rejected the allocation")
	// ErrParticipantAlreadyInvited: duplicate allocation for the same
	// endpoint; ignored by callers.
	ErrParticipantAlreadyInvited = errors.New("participant is already invited")
	// ErrUnknownEndpoint: the endpoint has no allocation.
	ErrUnknownEndpoint = errors.New("unknown endpoint")
)
