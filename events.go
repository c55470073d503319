package relaychat

import "sync"

// Event names emitted by Session and Poller.
const (
	// EventMessageLocal fires when an optimistic message is appended,
	// before the network send completes. Payload: Message.
	EventMessageLocal = "message.local"
	// EventMessageConfirmed fires when the server acknowledges a send and
	// the local message has been reconciled. Payload: Message.
	EventMessageConfirmed = "message.confirmed"
	// EventMessageFailed fires when a send fails and the optimistic
	// message has been rolled back. Payload: SendFailure.
	EventMessageFailed = "message.failed"
	// EventMessageNew fires for each inbound message merged into the
	// active conversation. Payload: Message.
	EventMessageNew = "message.new"
	// EventHistoryLoaded fires after a history fetch has been applied.
	// Payload: ConversationKey.
	EventHistoryLoaded = "history.loaded"
	// EventPollError fires when a poll tick fails. The poller keeps
	// running. Payload: error.
	EventPollError = "poll.error"
)

// SendFailure is the payload of EventMessageFailed.
type SendFailure struct {
	Key   ConversationKey
	Body  string
	Files []LocalFile
	Err   error
}

// emitter is a minimal synchronous event bus. Handler panics are recovered
// so a misbehaving listener cannot take down the session.
type emitter struct {
	mu       sync.RWMutex
	handlers map[string][]func(any)
}

func newEmitter() *emitter {
	return &emitter{handlers: make(map[string][]func(any))}
}

func (e *emitter) on(event string, handler func(any)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[event] = append(e.handlers[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := make([]func(any), len(e.handlers[event]))
	copy(handlers, e.handlers[event])
	e.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() { _ = recover() }()
			h(payload)
		}()
	}
}
