package relaychat

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ============================================================================
// Directory Types
// ============================================================================

// Contact is a directory entry for a direct-message peer. LinkedUserID is the
// messaging-platform account bound to the contact; it is the canonical id for
// conversation-key resolution, with ID as the fallback for unlinked contacts.
type Contact struct {
	ID           string `json:"id"`
	Email        string `json:"email,omitempty"`
	DisplayName  string `json:"displayName"`
	LinkedUserID string `json:"linkedUserId,omitempty"`
}

// PeerID returns the id used for conversation-key resolution.
func (c Contact) PeerID() string {
	if c.LinkedUserID != "" {
		return c.LinkedUserID
	}
	return c.ID
}

// Group is a directory entry for a group conversation.
type Group struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// GroupMember is one member of a group.
type GroupMember struct {
	UserID    string `json:"userId"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// DisplayName returns the member's full name, or the user id when no name
// is on record.
func (m GroupMember) DisplayName() string {
	switch {
	case m.FirstName != "" && m.LastName != "":
		return m.FirstName + " " + m.LastName
	case m.FirstName != "":
		return m.FirstName
	case m.LastName != "":
		return m.LastName
	}
	return m.UserID
}

// GroupInfo is the detail record for a group conversation.
type GroupInfo struct {
	Name        string        `json:"name"`
	MemberCount int           `json:"memberCount"`
	Members     []GroupMember `json:"members"`
}

// Selection identifies the conversation partner the session is pointed at:
// exactly one of Contact or Group is set.
type Selection struct {
	Contact *Contact
	Group   *Group
}

// IsGroup reports whether the selection targets a group conversation.
func (s Selection) IsGroup() bool {
	return s.Group != nil && s.Contact == nil
}

// IsZero reports whether nothing is selected.
func (s Selection) IsZero() bool {
	return s.Contact == nil && s.Group == nil
}

// ============================================================================
// Message Types
// ============================================================================

// Attachment is one file attached to a message.
type Attachment struct {
	URL      string `json:"url"`
	Filename string `json:"fileName,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Message is one chat message as held by a session: either persisted (server
// id) or pending (local temp id, awaiting confirmation).
type Message struct {
	ID          string
	SenderID    string
	SenderName  string
	Body        string
	SentAt      time.Time
	Key         ConversationKey
	IsSelf      bool
	Attachments []Attachment
}

// Pending reports whether the message is still awaiting server confirmation.
func (m Message) Pending() bool {
	return isLocalID(m.ID)
}

// richness scores attachment metadata so merges can keep the better-known
// representation of the same message id.
func (m Message) richness() int {
	return len(m.Attachments)
}

// ============================================================================
// Wire Metadata (attachments)
// ============================================================================

// wireMetadata is the attachment payload carried in the metadata field of
// history, pull, and send responses. Two shapes exist in the wild: the legacy
// single-file shape {fileUrl, fileName, mimeType} and the newer multi-file
// shape {files: [...]}. Both decode to the same Attachment list.
type wireMetadata struct {
	Files []Attachment
}

func (w *wireMetadata) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		w.Files = nil
		return nil
	}

	var multi struct {
		Files []Attachment `json:"files"`
	}
	if err := json.Unmarshal(data, &multi); err == nil && len(multi.Files) > 0 {
		w.Files = multi.Files
		return nil
	}

	var legacy struct {
		FileURL  string `json:"fileUrl"`
		FileName string `json:"fileName"`
		MimeType string `json:"mimeType"`
	}
	if err := json.Unmarshal(data, &legacy); err != nil {
		// Metadata is a free-form field; shapes we don't recognize carry
		// no attachments rather than failing the whole message.
		w.Files = nil
		return nil
	}
	if legacy.FileURL != "" {
		w.Files = []Attachment{{URL: legacy.FileURL, Filename: legacy.FileName, MimeType: legacy.MimeType}}
	}
	return nil
}

func (w wireMetadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Files []Attachment `json:"files,omitempty"`
	}{Files: w.Files})
}

// ============================================================================
// Wire Messages
// ============================================================================

// WireMessage is a persisted message record as returned by the history
// endpoint.
type WireMessage struct {
	ID         string       `json:"id"`
	SenderID   string       `json:"senderId"`
	SenderName string       `json:"senderName,omitempty"`
	Content    string       `json:"content"`
	SentAt     string       `json:"sentAt"`
	Metadata   wireMetadata `json:"metadata,omitempty"`
}

// WireInbound is a message record as delivered by the shared pull endpoint
// or a push/webhook source. The pull feed is not conversation-scoped, so the
// record carries enough routing detail (sender, recipient, group) for the
// session to decide relevance.
type WireInbound struct {
	ID          string       `json:"id"`
	SenderID    string       `json:"senderId"`
	SenderName  string       `json:"senderName,omitempty"`
	RecipientID string       `json:"recipientId,omitempty"`
	GroupID     string       `json:"groupId,omitempty"`
	MessageType string       `json:"messageType,omitempty"`
	Content     string       `json:"content"`
	SentAt      string       `json:"sentAt"`
	Metadata    wireMetadata `json:"metadata,omitempty"`
}

// parseSentAt converts a wire timestamp to time.Time. Unparseable or missing
// timestamps yield the zero time, which sorts first.
func parseSentAt(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}

// ============================================================================
// Request / Response Envelopes
// ============================================================================

type historyRequest struct {
	UserID   string `json:"userId"`
	Page     int    `json:"page"`
	PageSize int    `json:"pageSize"`
}

type historyResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Messages []WireMessage `json:"messages"`
	} `json:"data"`
	Error *APIError `json:"error,omitempty"`
}

// SendRequest is the JSON part of the multipart send request.
type SendRequest struct {
	SenderID         string   `json:"senderId"`
	Content          string   `json:"content"`
	RecipientUserIDs []string `json:"recipientUserIds,omitempty"`
	RecipientEmails  []string `json:"recipientEmails,omitempty"`
	GroupIDs         []string `json:"groupIds,omitempty"`
	ConversationID   string   `json:"conversationId"`
}

// SendResult is the server's acknowledgement of a send.
type SendResult struct {
	Success   bool         `json:"success"`
	MessageID string       `json:"messageId"`
	Metadata  wireMetadata `json:"metadata,omitempty"`
	Error     *APIError    `json:"error,omitempty"`
}

// Attachments returns the authoritative attachment metadata, if the server
// reported any.
func (r *SendResult) Attachments() []Attachment {
	return r.Metadata.Files
}

type pullRequest struct {
	Limit    int      `json:"limit"`
	GroupIDs []string `json:"groupIds,omitempty"`
}

type pullResponse struct {
	Data struct {
		Messages []WireInbound `json:"messages"`
	} `json:"data"`
	Error *APIError `json:"error,omitempty"`
}

type groupInfoResponse struct {
	Success bool      `json:"success"`
	Data    GroupInfo `json:"data"`
	Error   *APIError `json:"error,omitempty"`
}

// LocalFile is a file staged for sending, held in memory until the upload
// completes.
type LocalFile struct {
	Name string
	MIME string
	Data []byte
}
