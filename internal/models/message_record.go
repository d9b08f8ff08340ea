package models

import (
	"encoding/json"
	"time"
)

// Message roles.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// Turn is one prior exchange handed to the generation backend.
type Turn struct {
	Role string // RoleUser or RoleAgent
	Text string
}

// Attachment references a file handed to the generation backend.
type Attachment struct {
	MimeType   string `json:"mime_type"`
	ContentRef string `json:"content_ref"`
}

// MessageRecord is one exchanged turn in a conversation scope.
// ExternalID is nil when the platform message id is unknown; a unique index
// keeps at most one record per platform message. SearchText is Content
// lowercased in Go, so keyword matching folds case the same way on every
// database engine.
type MessageRecord struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	ScopeID     string    `gorm:"size:64;not null;index:idx_scope_identity_created,priority:1"`
	IdentityID  string    `gorm:"size:64;not null;index:idx_scope_identity_created,priority:2;index:idx_identity_created,priority:1"`
	ExternalID  *string   `gorm:"size:64;uniqueIndex"`
	Content     string    `gorm:"type:text"`
	SearchText  string    `gorm:"type:text"`
	Role        string    `gorm:"size:8;not null"`
	Attachments string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"precision:6;index:idx_scope_identity_created,priority:3;index:idx_identity_created,priority:2"`
}

// AttachmentList decodes the stored attachment references. A blank or
// malformed column yields an empty list.
func (m *MessageRecord) AttachmentList() []Attachment {
	if m.Attachments == "" {
		return []Attachment{}
	}
	var out []Attachment
	if err := json.Unmarshal([]byte(m.Attachments), &out); err != nil || out == nil {
		return []Attachment{}
	}
	return out
}

// SetAttachments encodes refs into the Attachments column.
func (m *MessageRecord) SetAttachments(refs []Attachment) {
	if len(refs) == 0 {
		m.Attachments = "[]"
		return
	}
	data, err := json.Marshal(refs)
	if err != nil {
		m.Attachments = "[]"
		return
	}
	m.Attachments = string(data)
}
