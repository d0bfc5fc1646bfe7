package fxupload

import (
	"time"

	"github.com/go-logr/logr"
)

// Listener is notified of client and upload lifecycle events. Calls are
// made synchronously from the goroutine producing the event, so
// implementations must return quickly.
type Listener interface {
	// OnNewClient is called the first time a client id is seen.
	OnNewClient(clientID string)
	// OnClientBack is called when the state of a known client is reloaded
	// from the store.
	OnClientBack(clientID string)
	// OnClientInactivity is called when a client has not uploaded anything
	// for the given duration.
	OnClientInactivity(clientID string, inactivity time.Duration)
	OnFileUploadPrepared(clientID string, file PendingFile)
	OnFileUploadPaused(clientID, fileID string)
	OnFileUploadResumed(clientID, fileID string)
	OnFileUploadCancelled(clientID, fileID string)
	// OnFileUploadEnd is called once every declared byte is validated.
	OnFileUploadEnd(clientID, fileID string)
	// OnFileUploadProgress is called when the progress of an upload with a
	// running chunk changed.
	OnFileUploadProgress(clientID string, progress Progress)
}

// ListenerAdapter implements Listener with no-op methods, embed it to
// override only the events of interest.
type ListenerAdapter struct{}

func (ListenerAdapter) OnNewClient(string)                       {}
func (ListenerAdapter) OnClientBack(string)                      {}
func (ListenerAdapter) OnClientInactivity(string, time.Duration) {}
func (ListenerAdapter) OnFileUploadPrepared(string, PendingFile) {}
func (ListenerAdapter) OnFileUploadPaused(string, string)        {}
func (ListenerAdapter) OnFileUploadResumed(string, string)       {}
func (ListenerAdapter) OnFileUploadCancelled(string, string)     {}
func (ListenerAdapter) OnFileUploadEnd(string, string)           {}
func (ListenerAdapter) OnFileUploadProgress(string, Progress)    {}

// listeners fans events out to every registered Listener and recovers
// from a panicking one.
type listeners struct {
	logger logr.Logger
	all    []Listener
}

func (l *listeners) add(listener Listener) {
	l.all = append(l.all, listener)
}

func (l *listeners) each(event string, fn func(Listener)) {
	for _, listener := range l.all {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.logger.Info("listener panicked", "event", event, "panic", r)
				}
			}()
			fn(listener)
		}()
	}
}

func (l *listeners) OnNewClient(clientID string) {
	l.each("newClient", func(x Listener) { x.OnNewClient(clientID) })
}

func (l *listeners) OnClientBack(clientID string) {
	l.each("clientBack", func(x Listener) { x.OnClientBack(clientID) })
}

func (l *listeners) OnClientInactivity(clientID string, inactivity time.Duration) {
	l.each("clientInactivity", func(x Listener) { x.OnClientInactivity(clientID, inactivity) })
}

func (l *listeners) OnFileUploadPrepared(clientID string, file PendingFile) {
	l.each("fileUploadPrepared", func(x Listener) { x.OnFileUploadPrepared(clientID, file) })
}

func (l *listeners) OnFileUploadPaused(clientID, fileID string) {
	l.each("fileUploadPaused", func(x Listener) { x.OnFileUploadPaused(clientID, fileID) })
}

func (l *listeners) OnFileUploadResumed(clientID, fileID string) {
	l.each("fileUploadResumed", func(x Listener) { x.OnFileUploadResumed(clientID, fileID) })
}

func (l *listeners) OnFileUploadCancelled(clientID, fileID string) {
	l.each("fileUploadCancelled", func(x Listener) { x.OnFileUploadCancelled(clientID, fileID) })
}

func (l *listeners) OnFileUploadEnd(clientID, fileID string) {
	l.each("fileUploadEnd", func(x Listener) { x.OnFileUploadEnd(clientID, fileID) })
}

func (l *listeners) OnFileUploadProgress(clientID string, progress Progress) {
	l.each("fileUploadProgress", func(x Listener) { x.OnFileUploadProgress(clientID, progress) })
}
