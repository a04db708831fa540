package outbox

import (
	"context"
	"sync"
)

// Notifier carries the "new events committed" signal from producers to
// dispatchers. Signals coalesce: any number of Notify calls between two reads
// of Wakeups wake the dispatcher once. Losing a signal is harmless because the
// dispatcher also polls.
type Notifier interface {
	Notify(ctx context.Context) error
	Wakeups() <-chan struct{}
}

// LocalNotifier is an in-process Notifier for producers and dispatchers
// sharing one binary.
type LocalNotifier struct {
	once sync.Once
	ch   chan struct{}
}

func NewLocalNotifier() *LocalNotifier {
	notifier := &LocalNotifier{}
	notifier.init()

	return notifier
}

func (notifier *LocalNotifier) init() {
	notifier.once.Do(func() {
		notifier.ch = make(chan struct{}, 1)
	})
}

// Notify never blocks.
func (notifier *LocalNotifier) Notify(context.Context) error {
	notifier.init()

	select {
	case notifier.ch <- struct{}{}:
	default:
	}

	return nil
}

func (notifier *LocalNotifier) Wakeups() <-chan struct{} {
	notifier.init()

	return notifier.ch
}
