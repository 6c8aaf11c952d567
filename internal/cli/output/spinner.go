package output

import (
	"fmt"
	"io"
	"sync"
	"time"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner animates a message on w while a long request runs.
type Spinner struct {
	w        io.Writer
	message  string
	interval time.Duration

	once    sync.Once
	done    chan struct{}
	stopped chan struct{}
}

// NewSpinner creates a spinner. Nothing is drawn until Start.
func NewSpinner(w io.Writer, message string) *Spinner {
	return &Spinner{
		w:        w,
		message:  message,
		interval: 100 * time.Millisecond,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start starts the animation.
func (s *Spinner) Start() {
	go func() {
		defer close(s.stopped)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for i := 0; ; i++ {
			fmt.Fprintf(s.w, "\r%s %s", spinnerFrames[i%len(spinnerFrames)], s.message)
			select {
			case <-s.done:
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop stops the animation and clears the line.
func (s *Spinner) Stop() {
	s.finish("\r\033[K")
}

// Success stops the animation with a success line.
func (s *Spinner) Success(message string) {
	s.finish("\r\033[K✓ " + message + "\n")
}

// Fail stops the animation with a failure line.
func (s *Spinner) Fail(message string) {
	s.finish("\r\033[K✗ " + message + "\n")
}

// finish is safe to call more than once, and before Start.
func (s *Spinner) finish(final string) {
	s.once.Do(func() {
		close(s.done)
		select {
		case <-s.stopped:
		case <-time.After(time.Second):
		}
		fmt.Fprint(s.w, final)
	})
}
