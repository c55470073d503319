package relaychat

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const localIDPrefix = "local-"

// isLocalID reports whether id was synthesized for an optimistic message
// that has not been acknowledged by the server yet.
func isLocalID(id string) bool {
	return strings.HasPrefix(id, localIDPrefix)
}

func newLocalID() string {
	return localIDPrefix + uuid.New().String()
}

// PreviewStore hands out locally addressable URLs for files staged on an
// optimistic message, so attachments can be shown before the upload
// finishes. URLs are released when the send is acknowledged, when it fails,
// or when the session closes; implementations must tolerate a second Release
// of the same URL.
type PreviewStore interface {
	Add(f LocalFile) string
	Release(url string)
}

// memPreviewStore is the default in-memory PreviewStore.
type memPreviewStore struct {
	mu    sync.Mutex
	files map[string]LocalFile
}

func newMemPreviewStore() *memPreviewStore {
	return &memPreviewStore{files: make(map[string]LocalFile)}
}

func (s *memPreviewStore) Add(f LocalFile) string {
	url := "preview://" + uuid.New().String()
	s.mu.Lock()
	s.files[url] = f
	s.mu.Unlock()
	return url
}

func (s *memPreviewStore) Release(url string) {
	s.mu.Lock()
	delete(s.files, url)
	s.mu.Unlock()
}

// Session holds the synchronized view of one active conversation: the
// ordered message list, the draft under composition, and in-flight send
// state. All methods are safe for concurrent use.
//
// Selecting a conversation resets the view synchronously; the history fetch
// that follows runs in the background and is discarded if the selection
// changed again before it landed. The same staleness rule applies to send
// acknowledgements and polled batches.
type Session struct {
	transport Transport
	selfID    string
	selfName  string
	previews  PreviewStore
	pageSize  int
	events    *emitter

	mu       sync.Mutex
	sel      Selection
	key      ConversationKey
	epoch    uint64
	messages []Message
	rendered map[string]struct{}
	names    map[string]string
	draft    string
	sending  int
	closed   bool
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithPreviewStore replaces the in-memory attachment preview store.
func WithPreviewStore(store PreviewStore) SessionOption {
	return func(s *Session) { s.previews = store }
}

// WithHistoryPageSize sets how many messages a history load requests.
func WithHistoryPageSize(n int) SessionOption {
	return func(s *Session) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// NewSession creates a session for the given user over the given transport.
func NewSession(transport Transport, selfID, selfName string, opts ...SessionOption) *Session {
	s := &Session{
		transport: transport,
		selfID:    selfID,
		selfName:  selfName,
		previews:  newMemPreviewStore(),
		pageSize:  DefaultPageSize,
		events:    newEmitter(),
		rendered:  make(map[string]struct{}),
		names:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// On registers a handler for one of the Event* names. Handlers run
// synchronously on the goroutine that triggered the event.
func (s *Session) On(event string, handler func(any)) {
	s.events.on(event, handler)
}

// Key returns the key of the active conversation, or "" when none is
// selected.
func (s *Session) Key() ConversationKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

// Selection returns the active selection.
func (s *Session) Selection() Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sel
}

// Sending reports whether at least one send is in flight.
func (s *Session) Sending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sending > 0
}

// Draft returns the message text under composition.
func (s *Session) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// SetDraft replaces the message text under composition.
func (s *Session) SetDraft(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draft = text
}

// Messages returns a copy of the conversation view, ordered by send time
// ascending. Messages with equal timestamps keep their arrival order.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SentAt.Before(out[j].SentAt)
	})
	return out
}

// Select switches the active conversation. The previous view is cleared
// before Select returns; history (and, for groups, membership) loads in the
// background and is dropped if the selection changes again first. A history
// failure leaves the conversation empty rather than failing the switch.
func (s *Session) Select(ctx context.Context, sel Selection) {
	s.mu.Lock()
	s.sel = sel
	s.key = ResolveKey(s.selfID, sel)
	s.epoch++
	epoch := s.epoch
	key := s.key
	s.messages = nil
	s.rendered = make(map[string]struct{})
	s.names = make(map[string]string)
	s.draft = ""
	if sel.Contact != nil {
		s.names[sel.Contact.PeerID()] = sel.Contact.DisplayName
	}
	s.mu.Unlock()

	if sel.IsZero() {
		return
	}

	go s.loadHistory(ctx, key, epoch)
	if sel.IsGroup() {
		go s.loadGroupNames(ctx, sel.Group.ID, epoch)
	}
}

func (s *Session) loadHistory(ctx context.Context, key ConversationKey, epoch uint64) {
	wire, err := s.transport.History(ctx, key, s.selfID, 1, s.pageSize)

	s.mu.Lock()
	if s.epoch != epoch {
		// The user switched away while the fetch was in flight.
		s.mu.Unlock()
		return
	}
	if err == nil {
		for _, wm := range wire {
			if _, seen := s.rendered[wm.ID]; seen {
				continue
			}
			s.messages = append(s.messages, s.fromHistoryLocked(wm, key))
			s.rendered[wm.ID] = struct{}{}
		}
	}
	s.mu.Unlock()

	s.events.emit(EventHistoryLoaded, key)
}

func (s *Session) loadGroupNames(ctx context.Context, groupID string, epoch uint64) {
	info, err := s.transport.GroupInfo(ctx, groupID, s.selfID)
	if err != nil || info == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return
	}
	for _, m := range info.Members {
		if name := m.DisplayName(); name != "" {
			s.names[m.UserID] = name
		}
	}
	// Re-resolve senders that history rendered before membership arrived.
	for i := range s.messages {
		if s.messages[i].SenderName == unknownSender {
			if name, ok := s.names[s.messages[i].SenderID]; ok {
				s.messages[i].SenderName = name
			}
		}
	}
}

const unknownSender = "Unknown"

func (s *Session) senderNameLocked(senderID, wireName string) string {
	if senderID == s.selfID {
		return s.selfName
	}
	if name, ok := s.names[senderID]; ok {
		return name
	}
	if wireName != "" {
		return wireName
	}
	return unknownSender
}

func (s *Session) fromHistoryLocked(wm WireMessage, key ConversationKey) Message {
	return Message{
		ID:          wm.ID,
		SenderID:    wm.SenderID,
		SenderName:  s.senderNameLocked(wm.SenderID, wm.SenderName),
		Body:        wm.Content,
		SentAt:      parseSentAt(wm.SentAt),
		Key:         key,
		IsSelf:      wm.SenderID == s.selfID,
		Attachments: wm.Metadata.Files,
	}
}

// Send submits the current draft, plus any staged files, as a new message in
// the active conversation. The message appears in the view immediately with
// a provisional id and the draft is cleared; Send then blocks until the
// server acknowledges or rejects it. On success the provisional id and
// attachment metadata are replaced with the server's. On failure the message
// is removed, the text is returned to the draft if nothing newer was typed,
// and EventMessageFailed fires.
//
// Concurrent sends are independent: each failure rolls back only its own
// message.
func (s *Session) Send(ctx context.Context, files []LocalFile) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session is closed")
	}
	sel := s.sel
	key := s.key
	epoch := s.epoch
	body := strings.TrimSpace(s.draft)
	if sel.IsZero() {
		s.mu.Unlock()
		return fmt.Errorf("no conversation selected")
	}
	if body == "" && len(files) == 0 {
		s.mu.Unlock()
		return nil
	}

	local := Message{
		ID:         newLocalID(),
		SenderID:   s.selfID,
		SenderName: s.selfName,
		Body:       body,
		SentAt:     time.Now(),
		Key:        key,
		IsSelf:     true,
	}
	var previewURLs []string
	for _, f := range files {
		url := s.previews.Add(f)
		previewURLs = append(previewURLs, url)
		local.Attachments = append(local.Attachments, Attachment{
			URL:      url,
			Filename: f.Name,
			MimeType: f.MIME,
		})
	}
	s.messages = append(s.messages, local)
	s.draft = ""
	s.sending++
	s.mu.Unlock()

	s.events.emit(EventMessageLocal, local)

	result, err := s.transport.Send(ctx, s.buildSendRequest(sel, key, body), files)

	s.mu.Lock()
	s.sending--
	stale := s.epoch != epoch

	if err != nil {
		if !stale {
			s.removeMessageLocked(local.ID)
			if s.draft == "" {
				s.draft = body
			}
		}
		s.mu.Unlock()
		s.releasePreviews(previewURLs)
		s.events.emit(EventMessageFailed, SendFailure{Key: key, Body: body, Files: files, Err: err})
		return fmt.Errorf("failed to send message: %w", err)
	}

	var confirmed Message
	if !stale {
		if _, seen := s.rendered[result.MessageID]; seen {
			// The pull feed delivered the confirmed message before the
			// acknowledgement landed. Keep that copy, upgrade its
			// attachment metadata if the ack knows more, and drop the
			// optimistic one so the id appears once.
			server := result.Attachments()
			for i := range s.messages {
				if s.messages[i].ID != result.MessageID {
					continue
				}
				if len(server) > s.messages[i].richness() {
					s.messages[i].Attachments = server
				}
				confirmed = s.messages[i]
				break
			}
			s.removeMessageLocked(local.ID)
		} else {
			for i := range s.messages {
				if s.messages[i].ID != local.ID {
					continue
				}
				s.messages[i].ID = result.MessageID
				if server := result.Attachments(); len(server) >= s.messages[i].richness() {
					s.messages[i].Attachments = server
				}
				s.rendered[result.MessageID] = struct{}{}
				confirmed = s.messages[i]
				break
			}
		}
	}
	s.mu.Unlock()

	s.releasePreviews(previewURLs)
	if !stale {
		s.events.emit(EventMessageConfirmed, confirmed)
	}
	return nil
}

func (s *Session) buildSendRequest(sel Selection, key ConversationKey, body string) SendRequest {
	req := SendRequest{
		SenderID:       s.selfID,
		Content:        body,
		ConversationID: string(key),
	}
	if sel.IsGroup() {
		req.GroupIDs = []string{sel.Group.ID}
	} else if sel.Contact != nil {
		req.RecipientUserIDs = []string{sel.Contact.PeerID()}
		if sel.Contact.Email != "" {
			req.RecipientEmails = []string{sel.Contact.Email}
		}
	}
	return req
}

func (s *Session) removeMessageLocked(id string) {
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return
		}
	}
}

func (s *Session) releasePreviews(urls []string) {
	for _, u := range urls {
		s.previews.Release(u)
	}
}

// Ingest merges a batch of inbound messages into the view. Messages for
// other conversations and messages already shown are skipped; a duplicate
// that carries richer attachment metadata than the copy on screen upgrades
// it in place. Safe to call from the poller and a push feed concurrently.
func (s *Session) Ingest(batch []WireInbound) {
	var fresh []Message

	s.mu.Lock()
	key := s.key
	for _, in := range batch {
		if key == "" || !s.relevantLocked(key, in) {
			continue
		}
		incoming := in.Metadata.Files
		if _, seen := s.rendered[in.ID]; seen {
			for i := range s.messages {
				if s.messages[i].ID == in.ID && len(incoming) > s.messages[i].richness() {
					s.messages[i].Attachments = incoming
				}
			}
			continue
		}
		msg := Message{
			ID:          in.ID,
			SenderID:    in.SenderID,
			SenderName:  s.senderNameLocked(in.SenderID, in.SenderName),
			Body:        in.Content,
			SentAt:      parseSentAt(in.SentAt),
			Key:         key,
			IsSelf:      in.SenderID == s.selfID,
			Attachments: incoming,
		}
		s.messages = append(s.messages, msg)
		s.rendered[in.ID] = struct{}{}
		fresh = append(fresh, msg)
	}
	s.mu.Unlock()

	for _, msg := range fresh {
		s.events.emit(EventMessageNew, msg)
	}
}

// relevantLocked reports whether an inbound message belongs to the active
// conversation.
func (s *Session) relevantLocked(key ConversationKey, in WireInbound) bool {
	if key.IsGroup() {
		return in.GroupID == key.GroupID()
	}
	if in.GroupID != "" {
		return false
	}
	other := in.SenderID
	if other == s.selfID {
		// Own message echoed from another device: match on the recipient.
		other = in.RecipientID
	}
	return DirectKey(s.selfID, other) == key
}

// Close releases any resources the session still holds. The session cannot
// send after Close.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	var urls []string
	for _, m := range s.messages {
		if !m.Pending() {
			continue
		}
		for _, a := range m.Attachments {
			if strings.HasPrefix(a.URL, "preview://") {
				urls = append(urls, a.URL)
			}
		}
	}
	s.mu.Unlock()
	s.releasePreviews(urls)
}
