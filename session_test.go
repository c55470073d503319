package relaychat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport lets each test script the backend's behavior per endpoint.
type fakeTransport struct {
	mu        sync.Mutex
	historyFn func(key ConversationKey) ([]WireMessage, error)
	sendFn    func(req SendRequest, files []LocalFile) (*SendResult, error)
	pullFn    func() ([]WireInbound, error)
	groupFn   func(groupID string) (*GroupInfo, error)
	sends     []SendRequest
}

func (f *fakeTransport) History(_ context.Context, key ConversationKey, _ string, _, _ int) ([]WireMessage, error) {
	if f.historyFn != nil {
		return f.historyFn(key)
	}
	return nil, nil
}

func (f *fakeTransport) Send(_ context.Context, req SendRequest, files []LocalFile) (*SendResult, error) {
	f.mu.Lock()
	f.sends = append(f.sends, req)
	f.mu.Unlock()
	if f.sendFn != nil {
		return f.sendFn(req, files)
	}
	return &SendResult{Success: true, MessageID: "m100"}, nil
}

func (f *fakeTransport) Pull(_ context.Context, _ int, _ []string) ([]WireInbound, error) {
	if f.pullFn != nil {
		return f.pullFn()
	}
	return nil, nil
}

func (f *fakeTransport) GroupInfo(_ context.Context, groupID, _ string) (*GroupInfo, error) {
	if f.groupFn != nil {
		return f.groupFn(groupID)
	}
	return nil, fmt.Errorf("no group %s", groupID)
}

func (f *fakeTransport) sentRequests() []SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SendRequest, len(f.sends))
	copy(out, f.sends)
	return out
}

// trackingPreviews records every release so tests can assert resource
// cleanup.
type trackingPreviews struct {
	mu       sync.Mutex
	added    []string
	released []string
	n        int
}

func (p *trackingPreviews) Add(f LocalFile) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	url := fmt.Sprintf("preview://track-%d", p.n)
	p.added = append(p.added, url)
	return url
}

func (p *trackingPreviews) Release(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, url)
}

func (p *trackingPreviews) releasedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.released)
}

func newTestSession(t *testing.T, transport Transport, opts ...SessionOption) *Session {
	t.Helper()
	sess := NewSession(transport, "self", "Self", opts...)
	t.Cleanup(sess.Close)
	return sess
}

// selectAndWait switches conversations and blocks until the history load
// for that switch has been applied (or discarded).
func selectAndWait(t *testing.T, sess *Session, sel Selection) {
	t.Helper()
	loaded := make(chan struct{})
	var once sync.Once
	sess.On(EventHistoryLoaded, func(any) {
		once.Do(func() { close(loaded) })
	})
	sess.Select(context.Background(), sel)
	select {
	case <-loaded:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for history")
	}
}

func dmSelection(peerID string) Selection {
	return Selection{Contact: &Contact{ID: peerID, DisplayName: "Peer " + peerID}}
}

func TestSessionOptimisticSendConfirm(t *testing.T) {
	transport := &fakeTransport{}
	sess := newTestSession(t, transport)

	var localID string
	sess.On(EventMessageLocal, func(payload any) {
		localID = payload.(Message).ID
	})
	var confirmed Message
	sess.On(EventMessageConfirmed, func(payload any) {
		confirmed = payload.(Message)
	})

	selectAndWait(t, sess, dmSelection("u2"))
	sess.SetDraft("hello there")

	require.NoError(t, sess.Send(context.Background(), nil))

	require.True(t, isLocalID(localID), "optimistic id should be provisional, got %q", localID)
	assert.Empty(t, sess.Draft(), "draft should clear on send")

	msgs := sess.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "m100", msgs[0].ID)
	assert.Equal(t, "hello there", msgs[0].Body)
	assert.True(t, msgs[0].IsSelf)
	assert.False(t, msgs[0].Pending())
	assert.Equal(t, "m100", confirmed.ID)

	reqs := transport.sentRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "self", reqs[0].SenderID)
	assert.Equal(t, []string{"u2"}, reqs[0].RecipientUserIDs)
	assert.Equal(t, string(DirectKey("self", "u2")), reqs[0].ConversationID)
}

func TestSessionSendFailureRollsBack(t *testing.T) {
	transport := &fakeTransport{
		sendFn: func(SendRequest, []LocalFile) (*SendResult, error) {
			return nil, fmt.Errorf("backend unavailable")
		},
	}
	previews := &trackingPreviews{}
	sess := newTestSession(t, transport, WithPreviewStore(previews))

	var failure SendFailure
	sess.On(EventMessageFailed, func(payload any) {
		failure = payload.(SendFailure)
	})

	selectAndWait(t, sess, dmSelection("u2"))
	sess.SetDraft("doomed")

	files := []LocalFile{{Name: "a.png", MIME: "image/png", Data: []byte{1}}}
	err := sess.Send(context.Background(), files)
	require.Error(t, err)

	assert.Empty(t, sess.Messages(), "failed message should be removed")
	assert.Equal(t, "doomed", sess.Draft(), "draft should be restored")
	assert.Equal(t, "doomed", failure.Body)
	require.Len(t, failure.Files, 1)
	assert.Equal(t, 1, previews.releasedCount(), "preview should be released on failure")
}

func TestSessionSendFailureKeepsNewerDraft(t *testing.T) {
	block := make(chan struct{})
	transport := &fakeTransport{
		sendFn: func(SendRequest, []LocalFile) (*SendResult, error) {
			<-block
			return nil, fmt.Errorf("backend unavailable")
		},
	}
	sess := newTestSession(t, transport)
	selectAndWait(t, sess, dmSelection("u2"))
	sess.SetDraft("first")

	done := make(chan error, 1)
	go func() { done <- sess.Send(context.Background(), nil) }()

	// User keeps typing while the send is in flight.
	require.Eventually(t, sess.Sending, time.Second, time.Millisecond)
	sess.SetDraft("second attempt")
	close(block)
	require.Error(t, <-done)

	assert.Equal(t, "second attempt", sess.Draft(), "newer draft must not be clobbered by the rollback")
	assert.Empty(t, sess.Messages())
}

func TestSessionConcurrentSendsIndependent(t *testing.T) {
	var calls int
	var mu sync.Mutex
	transport := &fakeTransport{
		sendFn: func(req SendRequest, _ []LocalFile) (*SendResult, error) {
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()
			if req.Content == "bad" {
				return nil, fmt.Errorf("rejected")
			}
			return &SendResult{Success: true, MessageID: fmt.Sprintf("m%d", n)}, nil
		},
	}
	sess := newTestSession(t, transport)
	selectAndWait(t, sess, dmSelection("u2"))

	sess.SetDraft("good")
	require.NoError(t, sess.Send(context.Background(), nil))
	sess.SetDraft("bad")
	require.Error(t, sess.Send(context.Background(), nil))

	msgs := sess.Messages()
	require.Len(t, msgs, 1, "failure must roll back only its own message")
	assert.Equal(t, "good", msgs[0].Body)
}

func TestSessionIngestDeduplicates(t *testing.T) {
	sess := newTestSession(t, &fakeTransport{})
	selectAndWait(t, sess, dmSelection("u2"))

	var newCount int
	sess.On(EventMessageNew, func(any) { newCount++ })

	batch := []WireInbound{{
		ID:       "m1",
		SenderID: "u2",
		Content:  "hi",
		SentAt:   "2026-03-01T10:00:00Z",
	}}
	sess.Ingest(batch)
	sess.Ingest(batch)

	assert.Len(t, sess.Messages(), 1)
	assert.Equal(t, 1, newCount)
}

func TestSessionIngestUpgradesAttachmentMetadata(t *testing.T) {
	sess := newTestSession(t, &fakeTransport{})
	selectAndWait(t, sess, dmSelection("u2"))

	sess.Ingest([]WireInbound{{
		ID: "m1", SenderID: "u2", Content: "photo", SentAt: "2026-03-01T10:00:00Z",
	}})
	sess.Ingest([]WireInbound{{
		ID: "m1", SenderID: "u2", Content: "photo", SentAt: "2026-03-01T10:00:00Z",
		Metadata: wireMetadata{Files: []Attachment{{URL: "https://cdn/p", Filename: "p.jpg"}}},
	}})

	msgs := sess.Messages()
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Attachments, 1, "richer duplicate should upgrade attachments in place")
	assert.Equal(t, "p.jpg", msgs[0].Attachments[0].Filename)

	// A poorer duplicate must not downgrade.
	sess.Ingest([]WireInbound{{
		ID: "m1", SenderID: "u2", Content: "photo", SentAt: "2026-03-01T10:00:00Z",
	}})
	require.Len(t, sess.Messages()[0].Attachments, 1)
}

func TestSessionIngestFiltersConversations(t *testing.T) {
	sess := newTestSession(t, &fakeTransport{})
	selectAndWait(t, sess, dmSelection("u2"))

	sess.Ingest([]WireInbound{
		{ID: "a", SenderID: "u3", Content: "other dm", SentAt: "2026-03-01T10:00:00Z"},
		{ID: "b", SenderID: "u2", GroupID: "g1", Content: "group chatter", SentAt: "2026-03-01T10:00:01Z"},
		{ID: "c", SenderID: "u2", Content: "for us", SentAt: "2026-03-01T10:00:02Z"},
		{ID: "d", SenderID: "self", RecipientID: "u2", Content: "own echo", SentAt: "2026-03-01T10:00:03Z"},
		{ID: "e", SenderID: "self", RecipientID: "u3", Content: "own echo elsewhere", SentAt: "2026-03-01T10:00:04Z"},
	})

	msgs := sess.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "for us", msgs[0].Body)
	assert.Equal(t, "own echo", msgs[1].Body)
	assert.True(t, msgs[1].IsSelf)
}

func TestSessionIngestGroupConversation(t *testing.T) {
	transport := &fakeTransport{
		groupFn: func(groupID string) (*GroupInfo, error) {
			return &GroupInfo{
				Name:        "Team",
				MemberCount: 2,
				Members: []GroupMember{
					{UserID: "u2", FirstName: "Grace", LastName: "Hopper"},
					{UserID: "self", FirstName: "Self"},
				},
			}, nil
		},
	}
	sess := newTestSession(t, transport)
	selectAndWait(t, sess, Selection{Group: &Group{ID: "g1", Name: "Team"}})
	// The membership fetch races the history load; give it a beat.
	require.Eventually(t, func() bool {
		sess.Ingest([]WireInbound{{ID: "probe", SenderID: "u2", GroupID: "g1", Content: "x", SentAt: "2026-03-01T09:00:00Z"}})
		msgs := sess.Messages()
		return len(msgs) > 0 && msgs[0].SenderName == "Grace Hopper"
	}, time.Second, 5*time.Millisecond)

	sess.Ingest([]WireInbound{
		{ID: "m1", SenderID: "u2", GroupID: "g1", Content: "named", SentAt: "2026-03-01T10:00:00Z"},
		{ID: "m2", SenderID: "u9", GroupID: "g1", Content: "stranger", SentAt: "2026-03-01T10:00:01Z"},
		{ID: "m3", SenderID: "u2", Content: "dm, not group", SentAt: "2026-03-01T10:00:02Z"},
	})

	msgs := sess.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "Grace Hopper", msgs[1].SenderName)
	assert.Equal(t, "Unknown", msgs[2].SenderName)
}

func TestSessionMessagesSortedBySentAt(t *testing.T) {
	sess := newTestSession(t, &fakeTransport{})
	selectAndWait(t, sess, dmSelection("u2"))

	sess.Ingest([]WireInbound{
		{ID: "m5", SenderID: "u2", Content: "five", SentAt: "2026-03-01T10:00:05Z"},
		{ID: "m1", SenderID: "u2", Content: "one", SentAt: "2026-03-01T10:00:01Z"},
		{ID: "m3", SenderID: "u2", Content: "three", SentAt: "2026-03-01T10:00:03Z"},
	})

	var got []string
	for _, m := range sess.Messages() {
		got = append(got, m.Body)
	}
	assert.Equal(t, []string{"one", "three", "five"}, got)
}

func TestSessionMessagesStableForEqualTimestamps(t *testing.T) {
	sess := newTestSession(t, &fakeTransport{})
	selectAndWait(t, sess, dmSelection("u2"))

	sess.Ingest([]WireInbound{
		{ID: "m1", SenderID: "u2", Content: "first", SentAt: "2026-03-01T10:00:00Z"},
		{ID: "m2", SenderID: "u2", Content: "second", SentAt: "2026-03-01T10:00:00Z"},
	})

	msgs := sess.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Body)
	assert.Equal(t, "second", msgs[1].Body)
}

func TestSessionSelectResetsView(t *testing.T) {
	transport := &fakeTransport{
		historyFn: func(key ConversationKey) ([]WireMessage, error) {
			if key == DirectKey("self", "u2") {
				return []WireMessage{{ID: "h1", SenderID: "u2", Content: "old", SentAt: "2026-03-01T09:00:00Z"}}, nil
			}
			return nil, nil
		},
	}
	sess := newTestSession(t, transport)

	selectAndWait(t, sess, dmSelection("u2"))
	sess.SetDraft("in progress")
	require.Len(t, sess.Messages(), 1)

	selectAndWait(t, sess, dmSelection("u3"))
	assert.Empty(t, sess.Messages(), "view must reset on switch")
	assert.Empty(t, sess.Draft(), "draft must reset on switch")
	assert.Equal(t, DirectKey("self", "u3"), sess.Key())
}

func TestSessionDiscardsStaleHistory(t *testing.T) {
	gate := make(chan struct{})
	transport := &fakeTransport{
		historyFn: func(key ConversationKey) ([]WireMessage, error) {
			if key == DirectKey("self", "u2") {
				<-gate
				return []WireMessage{{ID: "h1", SenderID: "u2", Content: "slow", SentAt: "2026-03-01T09:00:00Z"}}, nil
			}
			return nil, nil
		},
	}
	sess := newTestSession(t, transport)

	sess.Select(context.Background(), dmSelection("u2"))
	selectAndWait(t, sess, dmSelection("u3"))
	close(gate)

	// The slow response for u2 must never surface in u3's view.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sess.Messages())
	assert.Equal(t, DirectKey("self", "u3"), sess.Key())
}

func TestSessionDiscardsStaleSendResult(t *testing.T) {
	gate := make(chan struct{})
	transport := &fakeTransport{
		sendFn: func(SendRequest, []LocalFile) (*SendResult, error) {
			<-gate
			return &SendResult{Success: true, MessageID: "m100"}, nil
		},
	}
	sess := newTestSession(t, transport)
	selectAndWait(t, sess, dmSelection("u2"))
	sess.SetDraft("slow send")

	done := make(chan error, 1)
	go func() { done <- sess.Send(context.Background(), nil) }()
	require.Eventually(t, sess.Sending, time.Second, time.Millisecond)

	selectAndWait(t, sess, dmSelection("u3"))
	close(gate)
	require.NoError(t, <-done)

	assert.Empty(t, sess.Messages(), "acknowledgement for a previous conversation must not surface")
	assert.False(t, sess.Sending())
}

func TestSessionSendGuards(t *testing.T) {
	transport := &fakeTransport{}
	sess := newTestSession(t, transport)

	t.Run("no selection", func(t *testing.T) {
		sess.SetDraft("hello")
		require.Error(t, sess.Send(context.Background(), nil))
	})

	t.Run("empty draft and no files is a no-op", func(t *testing.T) {
		selectAndWait(t, sess, dmSelection("u2"))
		sess.SetDraft("   ")
		require.NoError(t, sess.Send(context.Background(), nil))
		assert.Empty(t, transport.sentRequests())
		assert.Empty(t, sess.Messages())
	})

	t.Run("files without text still send", func(t *testing.T) {
		sess.SetDraft("")
		require.NoError(t, sess.Send(context.Background(), []LocalFile{{Name: "x.bin", Data: []byte{1}}}))
		require.Len(t, transport.sentRequests(), 1)
	})
}

func TestSessionSendEchoNotDuplicatedByPull(t *testing.T) {
	transport := &fakeTransport{}
	sess := newTestSession(t, transport)
	selectAndWait(t, sess, dmSelection("u2"))
	sess.SetDraft("hello")
	require.NoError(t, sess.Send(context.Background(), nil))

	// The pull feed later echoes the confirmed message back.
	sess.Ingest([]WireInbound{{
		ID: "m100", SenderID: "self", RecipientID: "u2", Content: "hello", SentAt: "2026-03-01T10:00:00Z",
	}})

	assert.Len(t, sess.Messages(), 1, "confirmed send must not duplicate via pull")
}

func TestSessionPollDeliversConfirmationBeforeAck(t *testing.T) {
	gate := make(chan struct{})
	transport := &fakeTransport{
		sendFn: func(SendRequest, []LocalFile) (*SendResult, error) {
			<-gate
			return &SendResult{
				Success:   true,
				MessageID: "m100",
				Metadata:  wireMetadata{Files: []Attachment{{URL: "https://cdn/a", Filename: "a.png"}}},
			}, nil
		},
	}
	sess := newTestSession(t, transport)
	selectAndWait(t, sess, dmSelection("u2"))
	sess.SetDraft("hello")

	done := make(chan error, 1)
	go func() { done <- sess.Send(context.Background(), nil) }()
	require.Eventually(t, sess.Sending, time.Second, time.Millisecond)

	// The pull feed sees the confirmed message before the ack returns.
	sess.Ingest([]WireInbound{{
		ID: "m100", SenderID: "self", RecipientID: "u2", Content: "hello", SentAt: "2026-03-01T10:00:00Z",
	}})

	close(gate)
	require.NoError(t, <-done)

	msgs := sess.Messages()
	require.Len(t, msgs, 1, "server id must appear exactly once")
	assert.Equal(t, "m100", msgs[0].ID)
	assert.False(t, msgs[0].Pending())
	require.Len(t, msgs[0].Attachments, 1, "ack's richer metadata should upgrade the polled copy")
	assert.Equal(t, "a.png", msgs[0].Attachments[0].Filename)
}

func TestSessionDiscardsPollBatchFetchedBeforeSwitch(t *testing.T) {
	sess := newTestSession(t, &fakeTransport{})
	selectAndWait(t, sess, dmSelection("u2"))

	// Batch pulled while u2 was active, delivered only after the switch.
	lateBatch := []WireInbound{{
		ID: "m1", SenderID: "u2", Content: "for the old view", SentAt: "2026-03-01T10:00:00Z",
	}}
	selectAndWait(t, sess, dmSelection("u3"))
	sess.Ingest(lateBatch)

	assert.Empty(t, sess.Messages(), "messages pulled under a previous selection must not surface")

	sess.Ingest([]WireInbound{{
		ID: "m2", SenderID: "u3", Content: "for the new view", SentAt: "2026-03-01T10:00:01Z",
	}})
	msgs := sess.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "for the new view", msgs[0].Body)
}

func TestSessionSenderNamePrefersCachedName(t *testing.T) {
	sess := newTestSession(t, &fakeTransport{})
	selectAndWait(t, sess, Selection{Contact: &Contact{ID: "u2", DisplayName: "Grace Hopper"}})

	sess.Ingest([]WireInbound{{
		ID: "m1", SenderID: "u2", SenderName: "ghopper", Content: "hi", SentAt: "2026-03-01T10:00:00Z",
	}})

	msgs := sess.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Grace Hopper", msgs[0].SenderName, "cached directory name wins over the wire-provided one")
}

func TestSessionCloseReleasesPendingPreviews(t *testing.T) {
	block := make(chan struct{})
	transport := &fakeTransport{
		sendFn: func(SendRequest, []LocalFile) (*SendResult, error) {
			<-block
			return &SendResult{Success: true, MessageID: "m1"}, nil
		},
	}
	previews := &trackingPreviews{}
	sess := NewSession(transport, "self", "Self", WithPreviewStore(previews))
	selectAndWait(t, sess, dmSelection("u2"))
	sess.SetDraft("with file")

	done := make(chan error, 1)
	go func() { done <- sess.Send(context.Background(), []LocalFile{{Name: "a", Data: []byte{1}}}) }()
	require.Eventually(t, sess.Sending, time.Second, time.Millisecond)

	sess.Close()
	assert.Equal(t, 1, previews.releasedCount(), "pending preview should be released on close")

	close(block)
	<-done
}
