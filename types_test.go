package relaychat

import (
	"encoding/json"
	"testing"
	"time"
)

func TestWireMetadataUnmarshal(t *testing.T) {
	t.Run("multi-file shape", func(t *testing.T) {
		raw := `{"files":[{"url":"https://cdn/x","fileName":"x.png","mimeType":"image/png"},{"url":"https://cdn/y","fileName":"y.pdf","mimeType":"application/pdf"}]}`
		var m wireMetadata
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if len(m.Files) != 2 {
			t.Fatalf("got %d files", len(m.Files))
		}
		if m.Files[1].Filename != "y.pdf" {
			t.Fatalf("got %q", m.Files[1].Filename)
		}
	})

	t.Run("legacy single-file shape", func(t *testing.T) {
		raw := `{"fileUrl":"https://cdn/z","fileName":"z.txt","mimeType":"text/plain"}`
		var m wireMetadata
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if len(m.Files) != 1 {
			t.Fatalf("got %d files", len(m.Files))
		}
		if m.Files[0].URL != "https://cdn/z" || m.Files[0].MimeType != "text/plain" {
			t.Fatalf("got %+v", m.Files[0])
		}
	})

	t.Run("unrecognized shape yields no attachments", func(t *testing.T) {
		for _, raw := range []string{`{}`, `{"other":1}`, `null`, `{"files":[]}`} {
			var m wireMetadata
			if err := json.Unmarshal([]byte(raw), &m); err != nil {
				t.Fatalf("unmarshal %s: %v", raw, err)
			}
			if len(m.Files) != 0 {
				t.Fatalf("%s: got %d files", raw, len(m.Files))
			}
		}
	})

	t.Run("embedded in a wire message", func(t *testing.T) {
		raw := `{"id":"m1","senderId":"u2","content":"hi","sentAt":"2026-03-01T10:00:00Z","metadata":{"fileUrl":"https://cdn/a","fileName":"a.jpg","mimeType":"image/jpeg"}}`
		var wm WireMessage
		if err := json.Unmarshal([]byte(raw), &wm); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if len(wm.Metadata.Files) != 1 || wm.Metadata.Files[0].Filename != "a.jpg" {
			t.Fatalf("got %+v", wm.Metadata.Files)
		}
	})
}

func TestParseSentAt(t *testing.T) {
	t.Run("rfc3339", func(t *testing.T) {
		got := parseSentAt("2026-03-01T10:00:00Z")
		want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		if !got.Equal(want) {
			t.Fatalf("got %v", got)
		}
	})

	t.Run("fractional seconds", func(t *testing.T) {
		got := parseSentAt("2026-03-01T10:00:00.123Z")
		if got.Nanosecond() != 123000000 {
			t.Fatalf("got %v", got)
		}
	})

	t.Run("garbage yields zero time", func(t *testing.T) {
		if !parseSentAt("yesterday").IsZero() {
			t.Fatal("expected zero time")
		}
		if !parseSentAt("").IsZero() {
			t.Fatal("expected zero time")
		}
	})
}

func TestContactPeerID(t *testing.T) {
	if got := (Contact{ID: "c1", LinkedUserID: "u1"}).PeerID(); got != "u1" {
		t.Fatalf("got %q", got)
	}
	if got := (Contact{ID: "c1"}).PeerID(); got != "c1" {
		t.Fatalf("got %q", got)
	}
}

func TestGroupMemberDisplayName(t *testing.T) {
	cases := []struct {
		member GroupMember
		want   string
	}{
		{GroupMember{UserID: "u1", FirstName: "Ada", LastName: "Lovelace"}, "Ada Lovelace"},
		{GroupMember{UserID: "u1", FirstName: "Ada"}, "Ada"},
		{GroupMember{UserID: "u1", LastName: "Lovelace"}, "Lovelace"},
		{GroupMember{UserID: "u1"}, "u1"},
	}
	for _, tc := range cases {
		if got := tc.member.DisplayName(); got != tc.want {
			t.Fatalf("%+v: got %q", tc.member, got)
		}
	}
}

func TestMessagePending(t *testing.T) {
	if !(Message{ID: newLocalID()}).Pending() {
		t.Fatal("expected local id to be pending")
	}
	if (Message{ID: "srv-1"}).Pending() {
		t.Fatal("expected server id to not be pending")
	}
}
