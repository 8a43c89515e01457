package model

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApply_AppendsAndAdvancesUpdatedAt(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := ConversationRecord{
		ID:        "c1",
		OwnerID:   "u1",
		Title:     "t",
		Messages:  []Message{{Sender: SenderUser, Content: "hi"}},
		CreatedAt: created,
		UpdatedAt: created,
	}
	later := created.Add(time.Minute)
	rec.Apply(Patch{
		AppendMessages: []Message{{Sender: SenderAssistant, Content: "hello"}},
		UpdatedAt:      later,
	})

	require.Len(t, rec.Messages, 2)
	assert.Equal(t, "hi", rec.Messages[0].Content)
	assert.Equal(t, "hello", rec.Messages[1].Content)
	assert.Equal(t, later, rec.UpdatedAt)
	assert.Equal(t, created, rec.CreatedAt)
	assert.Equal(t, "t", rec.Title)
}

func TestApply_AnalysisOverwritesAnnotations(t *testing.T) {
	rec := ConversationRecord{
		LastSentiment:   "negative",
		LastEmotions:    []string{"sad", "tired"},
		Recommendations: []string{"rest"},
	}
	rec.Apply(Patch{
		AppendMessages: []Message{{
			Sender:   SenderUser,
			Content:  "great news",
			Analysis: &Analysis{Sentiment: "positive", Score: 0.9, Emotions: []string{"joy"}},
		}},
		UpdatedAt: time.Now(),
	})

	assert.Equal(t, "positive", rec.LastSentiment)
	assert.Equal(t, []string{"joy"}, rec.LastEmotions)
	assert.Empty(t, rec.Recommendations)
}

func TestApply_ExplicitAnnotationsWin(t *testing.T) {
	var rec ConversationRecord
	title := "renamed"
	rec.Apply(Patch{
		AppendMessages: []Message{{Sender: SenderUser, Content: "x", Analysis: &Analysis{Sentiment: "negative"}}},
		Title:          &title,
		Annotations:    &Annotations{LastSentiment: "neutral"},
		UpdatedAt:      time.Now(),
	})
	assert.Equal(t, "neutral", rec.LastSentiment)
	assert.Equal(t, "renamed", rec.Title)
}

func TestClone_DoesNotShareMessages(t *testing.T) {
	rec := ConversationRecord{Messages: []Message{{Sender: SenderUser, Content: "a"}}}
	cp := rec.Clone()
	cp.Messages[0].Content = "b"
	cp.Messages = append(cp.Messages, Message{Sender: SenderAssistant, Content: "c"})
	assert.Equal(t, "a", rec.Messages[0].Content)
	assert.Len(t, rec.Messages, 1)
}

func TestDeriveTitle(t *testing.T) {
	t.Run("first user message", func(t *testing.T) {
		got := DeriveTitle([]Message{
			{Sender: SenderAssistant, Content: "Welcome!"},
			{Sender: SenderUser, Content: "  I feel   anxious today "},
		})
		assert.Equal(t, "I feel anxious today", got)
	})

	t.Run("truncates long content", func(t *testing.T) {
		got := DeriveTitle([]Message{{Sender: SenderUser, Content: strings.Repeat("é", 60)}})
		assert.Equal(t, strings.Repeat("é", 40), got)
	})

	t.Run("falls back when no user message", func(t *testing.T) {
		assert.Equal(t, "New conversation", DeriveTitle(nil))
	})
}

func TestSenderValid(t *testing.T) {
	assert.True(t, SenderUser.Valid())
	assert.True(t, SenderAssistant.Valid())
	assert.False(t, Sender("system").Valid())
}
