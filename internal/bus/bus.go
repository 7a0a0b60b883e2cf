package bus

import (
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"
)

// SubjectHandlerError is published (but not journaled) when a handler returns
// an error or panics, so operators can alert on it without the failure
// touching the original publisher.
const SubjectHandlerError = "system.alert.handler_error"

// Handler processes one event. Errors are logged and reported by the bus;
// they are never propagated to the publisher.
type Handler func(evt Event) error

// Token identifies one subscription for Unsubscribe.
type Token uint64

type subscription struct {
	token   Token
	pattern string
	name    string
	handler Handler
}

// Bus is the process-wide event bus. Construct one at program entry and
// inject it; there is no package-level instance.
type Bus struct {
	journal Journal
	logger  *slog.Logger

	mu     sync.RWMutex
	exact  map[string][]*subscription // exact-subject subscriptions
	globs  []*subscription            // wildcard subscriptions, append order
	next   Token
	closed bool

	wg sync.WaitGroup // in-flight handler goroutines
}

// New creates a bus writing to the given journal.
func New(journal Journal, logger *slog.Logger) *Bus {
	return &Bus{
		journal: journal,
		logger:  logger.With("component", "bus"),
		exact:   make(map[string][]*subscription),
	}
}

// Subscribe registers a handler for an exact subject or a glob pattern.
// The name identifies the handler in logs and failure alerts. Subscribing the
// same handler twice delivers matching events twice.
func (b *Bus) Subscribe(pattern, name string, h Handler) (Token, error) {
	if pattern == "" {
		return 0, fmt.Errorf("subscribe %q: empty pattern", name)
	}
	if isGlob(pattern) {
		// Validate the pattern now so a bad glob fails at subscribe time,
		// not silently at every publish.
		if _, err := path.Match(pattern, "x"); err != nil {
			return 0, fmt.Errorf("subscribe %q: invalid pattern %q: %w", name, pattern, err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	sub := &subscription{token: b.next, pattern: pattern, name: name, handler: h}
	if isGlob(pattern) {
		b.globs = append(b.globs, sub)
	} else {
		b.exact[pattern] = append(b.exact[pattern], sub)
	}
	return sub.token, nil
}

// Unsubscribe removes the subscription identified by token. Unknown tokens
// are ignored.
func (b *Bus) Unsubscribe(token Token) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for subject, subs := range b.exact {
		for i, sub := range subs {
			if sub.token == token {
				b.exact[subject] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
	for i, sub := range b.globs {
		if sub.token == token {
			b.globs = append(b.globs[:i], b.globs[i+1:]...)
			return
		}
	}
}

// Publish journals evt and dispatches it to every matching handler
// concurrently. It returns as soon as the journal write completes; it never
// blocks on handlers. After Close, events are dropped with a warning.
func (b *Bus) Publish(evt Event) {
	b.publish(evt, true)
}

func (b *Bus) publish(evt Event, journal bool) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		b.logger.Warn("bus closed, dropping event", "subject", evt.Subject)
		return
	}
	matched := b.matchLocked(evt.Subject)
	b.wg.Add(len(matched))
	b.mu.RUnlock()

	if journal {
		if err := b.journal.Append(evt); err != nil {
			b.logger.Error("journal append failed", "subject", evt.Subject, "error", err)
		}
	}

	for _, sub := range matched {
		go b.dispatch(sub, evt)
	}
}

// matchLocked collects exact-subject matches plus glob matches. Caller holds
// at least a read lock.
func (b *Bus) matchLocked(subject string) []*subscription {
	matched := make([]*subscription, 0, 4)
	matched = append(matched, b.exact[subject]...)
	for _, sub := range b.globs {
		if ok, _ := path.Match(sub.pattern, subject); ok {
			matched = append(matched, sub)
		}
	}
	return matched
}

func (b *Bus) dispatch(sub *subscription, evt Event) {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panicked",
				"subject", evt.Subject,
				"handler", sub.name,
				"panic", r,
			)
			b.alertHandlerFailure(sub.name, evt, fmt.Sprintf("panic: %v", r))
		}
	}()

	if err := sub.handler(evt); err != nil {
		b.logger.Error("handler failed",
			"subject", evt.Subject,
			"handler", sub.name,
			"error", err,
		)
		b.alertHandlerFailure(sub.name, evt, err.Error())
	}
}

// alertHandlerFailure publishes a non-journaled alert so monitoring can react.
// Failures of alert handlers themselves are only logged.
func (b *Bus) alertHandlerFailure(handlerName string, evt Event, reason string) {
	if evt.Subject == SubjectHandlerError {
		return
	}
	b.publish(NewEventFrom(SubjectHandlerError, map[string]any{
		"subject":  evt.Subject,
		"event_id": evt.EventID,
		"handler":  handlerName,
		"error":    reason,
	}, "bus"), false)
}

// QueryRecent returns the last limit journal entries, newest first.
func (b *Bus) QueryRecent(limit int) ([]Event, error) {
	return b.journal.Recent(limit)
}

// Close quiesces the bus: new publishes are dropped and in-flight handlers
// get at most grace to finish before being abandoned.
func (b *Bus) Close(grace time.Duration) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("bus closed")
	case <-time.After(grace):
		b.logger.Warn("bus closed with handlers still running", "grace", grace)
	}
}

func isGlob(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[")
}
