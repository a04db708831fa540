// Package launcher runs the long-lived components of a relay process and
// stops them together.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-outbox/internal/nilcheck"
	"github.com/LerianStudio/lib-outbox/log"
	"github.com/LerianStudio/lib-outbox/runtime"
)

const defaultShutdownTimeout = 30 * time.Second

var (
	// ErrLoggerNil is returned when the Logger is nil and cannot proceed.
	ErrLoggerNil = errors.New("logger is nil")
	// ErrNilLauncher is returned when a launcher method is called on a nil receiver.
	ErrNilLauncher = errors.New("launcher is nil")
	// ErrEmptyApp is returned when an app name is empty or whitespace.
	ErrEmptyApp = errors.New("app name is empty")
	// ErrNilApp is returned when a nil app instance is provided.
	ErrNilApp = errors.New("app is nil")
	// ErrDuplicateApp is returned when two apps share a name.
	ErrDuplicateApp = errors.New("app already registered")
	// ErrConfigFailed is returned when launcher option application collected errors.
	ErrConfigFailed = errors.New("launcher configuration failed")
)

// App is a component that runs until its context ends or Shutdown is called.
// outbox.Dispatcher and outbox.Sweeper satisfy it.
type App interface {
	Run(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// LauncherOption defines a function option for Launcher.
type LauncherOption func(l *Launcher)

func WithLogger(logger log.Logger) LauncherOption {
	return func(l *Launcher) {
		l.Logger = logger
	}
}

// WithShutdownTimeout bounds how long apps get to drain once stopping starts.
func WithShutdownTimeout(timeout time.Duration) LauncherOption {
	return func(l *Launcher) {
		if timeout > 0 {
			l.shutdownTimeout = timeout
		}
	}
}

// RunApp registers an application with the launcher.
// If registration fails, the error is collected and surfaced when Run is called.
func RunApp(name string, app App) LauncherOption {
	return func(l *Launcher) {
		if err := l.Add(name, app); err != nil {
			l.configErrors = append(l.configErrors, fmt.Errorf("add app %q: %w", name, err))

			if !nilcheck.Interface(l.Logger) {
				l.Logger.Log(context.Background(), log.LevelError, "launcher add app error", log.Err(err))
			}
		}
	}
}

type namedApp struct {
	name string
	app  App
}

// Launcher manages apps.
type Launcher struct {
	Logger          log.Logger
	apps            []namedApp
	configErrors    []error
	shutdownTimeout time.Duration
}

// NewLauncher creates a launcher and applies opts in order.
func NewLauncher(opts ...LauncherOption) *Launcher {
	l := &Launcher{shutdownTimeout: defaultShutdownTimeout}

	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}

	return l
}

// Add registers an app. Apps start in registration order and shut down in
// reverse.
func (l *Launcher) Add(appName string, a App) error {
	if l == nil {
		return ErrNilLauncher
	}

	appName = strings.TrimSpace(appName)
	if appName == "" {
		return ErrEmptyApp
	}

	if nilcheck.Interface(a) {
		return ErrNilApp
	}

	for _, existing := range l.apps {
		if existing.name == appName {
			return fmt.Errorf("%w: %s", ErrDuplicateApp, appName)
		}
	}

	l.apps = append(l.apps, namedApp{name: appName, app: a})

	return nil
}

type appResult struct {
	name string
	err  error
}

// Run starts every app and blocks until ctx is cancelled or any app returns.
// It then shuts every app down and waits for all of them to return. App
// errors, including recovered panics, are joined into the result.
func (l *Launcher) Run(ctx context.Context) error {
	if l == nil {
		return ErrNilLauncher
	}

	if nilcheck.Interface(l.Logger) {
		return ErrLoggerNil
	}

	if len(l.configErrors) > 0 {
		return errors.Join(append([]error{ErrConfigFailed}, l.configErrors...)...)
	}

	if ctx == nil {
		ctx = context.Background()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan appResult, len(l.apps))

	var wg sync.WaitGroup

	l.Logger.Log(ctx, log.LevelInfo, "starting apps", log.Int("count", len(l.apps)))

	for _, entry := range l.apps {
		wg.Add(1)

		go func() {
			defer wg.Done()

			l.Logger.Log(runCtx, log.LevelInfo, "app starting", log.String("app", entry.name))

			err := runtime.Call(func() error { return entry.app.Run(runCtx) })
			if err != nil {
				l.Logger.Log(runCtx, log.LevelError, "app error", log.String("app", entry.name), log.Err(err))
			}

			l.Logger.Log(runCtx, log.LevelInfo, "app finished", log.String("app", entry.name))

			results <- appResult{name: entry.name, err: err}
		}()
	}

	var errs []error

	if len(l.apps) > 0 {
		select {
		case <-ctx.Done():
		case first := <-results:
			if first.err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", first.name, first.err))
			}
		}
	}

	l.shutdown()
	cancel()
	wg.Wait()
	close(results)

	for result := range results {
		if result.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", result.name, result.err))
		}
	}

	l.Logger.Log(context.Background(), log.LevelInfo, "launcher terminated")

	return errors.Join(errs...)
}

func (l *Launcher) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), l.shutdownTimeout)
	defer cancel()

	for i := len(l.apps) - 1; i >= 0; i-- {
		entry := l.apps[i]

		err := runtime.Call(func() error { return entry.app.Shutdown(ctx) })
		if err != nil {
			l.Logger.Log(ctx, log.LevelWarn, "app shutdown error", log.String("app", entry.name), log.Err(err))
		}
	}
}

type funcApp struct {
	run func(ctx context.Context) error

	mu       sync.Mutex
	cancel   context.CancelFunc
	stopping bool
}

// Func adapts a blocking function to App. Shutdown cancels the context run
// received.
func Func(run func(ctx context.Context) error) App {
	if run == nil {
		return nil
	}

	return &funcApp{run: run}
}

func (a *funcApp) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.mu.Lock()
	if a.stopping {
		a.mu.Unlock()

		return nil
	}

	a.cancel = cancel
	a.mu.Unlock()

	err := a.run(ctx)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}

	return err
}

func (a *funcApp) Shutdown(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stopping = true

	if a.cancel != nil {
		a.cancel()
	}

	return nil
}
