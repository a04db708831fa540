package outbox

import "fmt"

// Status is the lifecycle state of an outbox event. Values are persisted verbatim.
type Status string

const (
	StatusPending           Status = "pending"
	StatusInProcess         Status = "in-process"
	StatusPublished         Status = "published"
	StatusFailedPermanently Status = "failed-permanently"
)

// ParseStatus validates and converts a raw string status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the outbox lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusPending, StatusInProcess, StatusPublished, StatusFailedPermanently:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the dispatcher will never pick the event up again.
func (status Status) IsTerminal() bool {
	return status == StatusPublished || status == StatusFailedPermanently
}

// CanTransitionTo reports whether the dispatch lifecycle allows status -> next.
// The administrative requeue edge is checked separately by CanRequeue.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending:
		return next == StatusInProcess
	case StatusInProcess:
		return next == StatusPublished || next == StatusPending || next == StatusFailedPermanently
	default:
		return false
	}
}

// CanRequeue reports whether an operator may move the event back to pending.
func (status Status) CanRequeue() bool {
	return status == StatusFailedPermanently
}

// ValidateTransition validates a dispatch lifecycle transition between raw statuses.
func ValidateTransition(fromRaw, toRaw string) error {
	from, err := ParseStatus(fromRaw)
	if err != nil {
		return fmt.Errorf("from status: %w", err)
	}

	to, err := ParseStatus(toRaw)
	if err != nil {
		return fmt.Errorf("to status: %w", err)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionInvalid, from, to)
	}

	return nil
}

func (status Status) String() string {
	return string(status)
}
