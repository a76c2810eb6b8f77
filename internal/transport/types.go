package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	FromFirst    string
	Text         string
	// PhotoID is the platform file id of an attached photo, if any. The
	// caption arrives in Text.
	PhotoID string
	IsGroup bool
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Button is one inline link button. Campaign content carries ordered rows
// of these; the adapter renders them as platform-specific markup.
type Button struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Buttons        [][]Button
}

// Adapter is the messaging capability the engine fans out through.
// Any error from a send means "this recipient was not reached this attempt".
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendPhoto(ctx context.Context, to ChatTarget, photoRef, caption string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}
