package chat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
	assert.Equal(t, []string{"short"}, Split("short", 10))

	long := strings.Repeat("a", 25)
	parts := Split(long, 10)
	assert.Equal(t, []string{strings.Repeat("a", 10), strings.Repeat("a", 10), "aaaaa"}, parts)

	lines := "line one\nline two\nline three"
	parts = Split(lines, 20)
	assert.Equal(t, "line one\nline two\n", parts[0])
	assert.Equal(t, lines, strings.Join(parts, ""))

	utf := strings.Repeat("ж", 10) // 2 bytes each
	for _, p := range Split(utf, 5) {
		assert.True(t, len(p) <= 5)
		assert.True(t, strings.ToValidUTF8(p, "?") == p, "chunk %q splits a rune", p)
	}
}

func TestTelegramReceiveAdvancesOffset(t *testing.T) {
	var mu sync.Mutex
	var offsets []float64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/botTOKEN/getUpdates"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		offsets = append(offsets, body["offset"].(float64))
		mu.Unlock()
		_, _ = io.WriteString(w, `{"ok":true,"result":[
			{"update_id":10,"message":{"date":1700000000,"text":"hello","chat":{"id":42},"from":{"id":7,"username":"owner"}}},
			{"update_id":11,"message":{"date":1700000001,"chat":{"id":42}}}
		]}`)
	}))
	defer srv.Close()

	tg := NewTelegram(TelegramConfig{Token: "TOKEN", BaseURL: srv.URL, PollTimeout: time.Second})
	msgs, err := tg.Receive(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 1, "non-text updates are skipped")
	assert.Equal(t, int64(42), msgs[0].ChatID)
	assert.Equal(t, "owner", msgs[0].Username)
	assert.Equal(t, "hello", msgs[0].Text)

	_, err = tg.Receive(context.Background())
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []float64{0, 12}, offsets)
}

func TestTelegramSendSplits(t *testing.T) {
	var mu sync.Mutex
	var texts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ChatID int64  `json:"chat_id"`
			Text   string `json:"text"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		texts = append(texts, body.Text)
		mu.Unlock()
		_, _ = io.WriteString(w, `{"ok":true,"result":{}}`)
	}))
	defer srv.Close()

	tg := NewTelegram(TelegramConfig{Token: "T", BaseURL: srv.URL})
	require.NoError(t, tg.Send(context.Background(), 1, strings.Repeat("x", MaxMessageLen+10)))
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, texts, 2)
	assert.Len(t, texts[0], MaxMessageLen)
}

func TestTelegramErrorHidesToken(t *testing.T) {
	tg := NewTelegram(TelegramConfig{Token: "SECRET", BaseURL: "http://127.0.0.1:1"})
	err := tg.Send(context.Background(), 1, "x")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "SECRET")
}

func TestMemoryChannel(t *testing.T) {
	ch := NewMemoryChannel(4)
	ch.Push(Message{ChatID: 1, Text: "a"})
	ch.Push(Message{ChatID: 1, Text: "b"})

	msgs, err := ch.Receive(context.Background())
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ch.Receive(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, ch.Send(context.Background(), 1, "reply"))
	assert.Equal(t, []Sent{{ChatID: 1, Text: "reply"}}, ch.Sent())
}
