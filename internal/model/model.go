package model

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Sender identifies who produced a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// Valid reports whether s is a known sender.
func (s Sender) Valid() bool {
	return s == SenderUser || s == SenderAssistant
}

// Backend names one of the two persistence backends.
type Backend string

const (
	BackendDocument Backend = "document"
	BackendContent  Backend = "content"
)

// StorageOrigin records which backend holds the authoritative copy of a
// conversation and the handle it is addressed by there: the native document
// id, or the content handle of the current pinned payload.
type StorageOrigin struct {
	Backend Backend `json:"-"`
	Handle  string  `json:"-"`
}

// Native returns an origin pointing at a document store record.
func Native(id string) StorageOrigin {
	return StorageOrigin{Backend: BackendDocument, Handle: id}
}

// Content returns an origin pointing at a pinned content payload.
func Content(handle string) StorageOrigin {
	return StorageOrigin{Backend: BackendContent, Handle: handle}
}

// IsContent reports whether the record currently lives in the content store.
func (o StorageOrigin) IsContent() bool { return o.Backend == BackendContent }

// Analysis is the sentiment/emotion annotation attached to a message at write time.
type Analysis struct {
	Sentiment       string   `json:"sentiment"                 bson:"sentiment"`
	Score           float64  `json:"score"                     bson:"score"`
	Emotions        []string `json:"emotions,omitempty"        bson:"emotions,omitempty"`
	Recommendations []string `json:"recommendations,omitempty" bson:"recommendations,omitempty"`
}

// Message is a single conversation turn.
type Message struct {
	Sender    Sender    `json:"sender"             bson:"sender"`
	Content   string    `json:"content"            bson:"content"`
	Timestamp time.Time `json:"timestamp"          bson:"timestamp"`
	Analysis  *Analysis `json:"analysis,omitempty" bson:"analysis,omitempty"`
}

// Annotations are the most recent derived annotations of a conversation.
// They are overwritten, never appended.
type Annotations struct {
	LastSentiment   string   `json:"lastSentiment"`
	LastEmotions    []string `json:"lastEmotions"`
	Recommendations []string `json:"recommendations"`
}

// ConversationRecord is the conversation aggregate shared by both backends.
type ConversationRecord struct {
	ID              string    `json:"id"`
	OwnerID         string    `json:"ownerId"`
	Title           string    `json:"title"`
	Messages        []Message `json:"messages"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	LastSentiment   string    `json:"lastSentiment,omitempty"`
	LastEmotions    []string  `json:"lastEmotions,omitempty"`
	Recommendations []string  `json:"recommendations,omitempty"`

	Origin StorageOrigin `json:"-"`
}

// Patch is a mutation applied to a conversation. Zero-valued fields are left
// untouched, except UpdatedAt which always advances.
type Patch struct {
	AppendMessages []Message
	Title          *string
	Annotations    *Annotations
	UpdatedAt      time.Time
}

// EffectiveAnnotations returns the annotations the patch leaves on the
// record: an explicit Annotations value wins, otherwise the analysis of the
// last appended message that carries one.
func (p Patch) EffectiveAnnotations() *Annotations {
	if p.Annotations != nil {
		return p.Annotations
	}
	for i := len(p.AppendMessages) - 1; i >= 0; i-- {
		if a := p.AppendMessages[i].Analysis; a != nil {
			return &Annotations{
				LastSentiment:   a.Sentiment,
				LastEmotions:    a.Emotions,
				Recommendations: a.Recommendations,
			}
		}
	}
	return nil
}

// Apply mutates r in place according to p.
func (r *ConversationRecord) Apply(p Patch) {
	if len(p.AppendMessages) > 0 {
		r.Messages = append(r.Messages, p.AppendMessages...)
	}
	if p.Title != nil {
		r.Title = *p.Title
	}
	if ann := p.EffectiveAnnotations(); ann != nil {
		r.LastSentiment = ann.LastSentiment
		r.LastEmotions = ann.LastEmotions
		r.Recommendations = ann.Recommendations
	}
	r.UpdatedAt = p.UpdatedAt
}

// Clone returns a deep copy of the record's mutable slices.
func (r ConversationRecord) Clone() ConversationRecord {
	out := r
	out.Messages = append([]Message(nil), r.Messages...)
	out.LastEmotions = append([]string(nil), r.LastEmotions...)
	out.Recommendations = append([]string(nil), r.Recommendations...)
	return out
}

const (
	maxDerivedTitleRunes = 40
	defaultTitle         = "New conversation"
)

// DeriveTitle picks a title from the first user message, falling back to a
// generic label when there is none.
func DeriveTitle(messages []Message) string {
	for _, m := range messages {
		if m.Sender != SenderUser {
			continue
		}
		text := strings.Join(strings.Fields(m.Content), " ")
		if text == "" {
			continue
		}
		if utf8.RuneCountInString(text) > maxDerivedTitleRunes {
			runes := []rune(text)
			text = strings.TrimSpace(string(runes[:maxDerivedTitleRunes]))
		}
		return text
	}
	return defaultTitle
}
