// Package lifeline implements the process-wide one-shot shutdown
// notification named in spec.md §6 "Lifeline contract": any client's
// exit message, alongside OS interrupt and upstream/supervisor
// termination, fires process shutdown.
package lifeline

import "sync"

// Lifeline is a one-shot trip wire. Trip is safe to call from any
// goroutine, any number of times; only the first call has an effect.
type Lifeline struct {
	once sync.Once
	ch   chan struct{}
}

// New builds an untripped Lifeline.
func New() *Lifeline {
	return &Lifeline{ch: make(chan struct{})}
}

// Trip fires the lifeline. Idempotent.
func (l *Lifeline) Trip() {
	l.once.Do(func() { close(l.ch) })
}

// Done is closed once Trip has been called, for use in a select alongside
// OS signals and subsystem termination channels.
func (l *Lifeline) Done() <-chan struct{} { return l.ch }
