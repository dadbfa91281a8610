package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageJSONCarriesDiscriminator(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msgs := []Message{
		{ID: "1", Sender: SenderClient, Timestamp: ts, Content: TextContent{Body: "hola"}},
		{ID: "2", Sender: SenderClient, Timestamp: ts, Content: ImageContent{MediaRef: "img/1", Caption: "brake pads"}},
		{ID: "3", Sender: SenderAdvisor, Timestamp: ts, Content: DocumentContent{MediaRef: "doc/1", Filename: "quote.pdf"}},
		{ID: "4", Sender: SenderClient, Timestamp: ts, Content: AudioContent{MediaRef: "aud/1"}},
		{ID: "5", Sender: SenderClient, Timestamp: ts, Content: UnsupportedContent{Description: "sticker"}},
	}

	raw, err := json.Marshal(msgs)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"document"`)

	var back []Message
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, msgs, back)
}

func TestMessageUnknownTypeRejected(t *testing.T) {
	var m Message
	err := json.Unmarshal([]byte(`{"id":"x","type":"hologram","content":{}}`), &m)
	assert.Error(t, err)
}

func TestRecordInfersAdvisorMode(t *testing.T) {
	conv := &Conversation{
		ID:    "c1",
		Phone: "+100",
		Messages: []Message{
			{ID: "1", Sender: SenderClient, Content: TextContent{Body: "hi"}},
			{ID: "2", Sender: SenderAdvisor, Content: TextContent{Body: "hello, how can I help?"}},
			{ID: "3", Sender: SenderClient, Content: ImageContent{MediaRef: "m1"}},
		},
		Status: ConversationActive,
	}
	rec, err := conv.ToRecord()
	require.NoError(t, err)
	assert.Equal(t, 3, rec.MessageCount)

	back, err := rec.ToConversation()
	require.NoError(t, err)
	assert.True(t, back.WithAdvisor)
	assert.Equal(t, []string{"m1"}, back.MediaRefs())
}

func TestOutboundValidate(t *testing.T) {
	ok := ButtonsMessage("pick", Button{ID: "a", Title: "A"}, Button{ID: "b", Title: "B"})
	assert.NoError(t, ok.Validate())

	tooMany := ButtonsMessage("pick",
		Button{ID: "a", Title: "A"}, Button{ID: "b", Title: "B"},
		Button{ID: "c", Title: "C"}, Button{ID: "d", Title: "D"})
	assert.Error(t, tooMany.Validate())

	long := make([]rune, MaxTextLength+1)
	for i := range long {
		long[i] = 'x'
	}
	assert.Error(t, TextMessage(string(long)).Validate())
	assert.Error(t, TextMessage("").Validate())
	assert.Error(t, MediaMessage("", KindImage, "").Validate())
}

func TestMediaRefsSkipExternalURLs(t *testing.T) {
	conv := Conversation{Messages: []Message{
		{Sender: SenderBot, Content: ImageContent{MediaRef: "https://shop.example.com/pad.jpg"}},
		{Sender: SenderClient, Content: AudioContent{MediaRef: "01HZX3J5W1N3C8K9M2P4Q6R7S8.ogg"}},
		{Sender: SenderClient, Content: TextContent{Body: "hi"}},
	}}
	assert.Equal(t, []string{"01HZX3J5W1N3C8K9M2P4Q6R7S8.ogg"}, conv.MediaRefs())
	assert.True(t, IsExternalRef("http://cdn.example.com/a.png"))
	assert.False(t, IsExternalRef("01HZX3J5W1N3C8K9M2P4Q6R7S8.ogg"))
}
