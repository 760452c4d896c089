package domain

import (
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidRequest = errors.New("invalid request")
)

type SenderRole string

const (
	SenderRoleOperator SenderRole = "admin"
	SenderRoleClient   SenderRole = "client"
)

func (r SenderRole) Valid() bool {
	return r == SenderRoleOperator || r == SenderRoleClient
}

// Project is a client engagement. The access token is the sole capability
// for conversation access: an unknown token reads as "not found", never
// "forbidden".
type Project struct {
	ID          int64     `json:"id"`
	AccessToken string    `json:"accessToken"`
	Title       string    `json:"title"`
	CompanyID   int64     `json:"companyId"`
	Stage       string    `json:"stage"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Message ids are assigned by the store in creation order and are the
// de-duplication key for live delivery.
type Message struct {
	ID          int64      `json:"id"`
	ProjectID   int64      `json:"projectId"`
	Token       string     `json:"token"`
	SenderType  SenderRole `json:"senderType"`
	SenderName  string     `json:"senderName"`
	Content     string     `json:"content"`
	Attachments []string   `json:"attachments"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// MessageInput carries client-submitted fields; ids, timestamps and resolved
// attachment URLs are filled in during ingestion.
type MessageInput struct {
	SenderType     SenderRole
	SenderName     string
	Content        string
	AttachmentKeys []string
}

type UploadAuthorization struct {
	UploadURL  string `json:"uploadUrl"`
	StorageKey string `json:"storageKey"`
}

type Activity struct {
	ProjectID   int64  `json:"projectId"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
}

type ConversationSummary struct {
	ProjectID       int64      `json:"projectId"`
	Token           string     `json:"token"`
	Title           string     `json:"title"`
	Stage           string     `json:"stage"`
	LatestMessage   *string    `json:"latestMessage,omitempty"`
	LatestMessageAt *time.Time `json:"latestMessageAt,omitempty"`
	MessageCount    int64      `json:"messageCount"`
}

const (
	EventJoined     = "joined"
	EventLeft       = "left"
	EventNewMessage = "message.new"
	EventError      = "error"
)

// Event is the server-pushed frame on the live channel.
type Event struct {
	Type    string   `json:"type"`
	Token   string   `json:"token,omitempty"`
	Message *Message `json:"message,omitempty"`
	Error   string   `json:"error,omitempty"`
}
