package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Message is one chat-history entry.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatHistory persists per-session conversation logs on any KV. Keys are
// chat:<session>:<zero-padded sequence> so a prefix scan returns a session
// in order.
type ChatHistory struct {
	kv KV

	mu   sync.Mutex
	next map[string]int
}

// NewChatHistory wraps the KV.
func NewChatHistory(kv KV) *ChatHistory {
	return &ChatHistory{kv: kv, next: make(map[string]int)}
}

func historyKey(session string, seq int) string {
	return fmt.Sprintf("chat:%s:%010d", session, seq)
}

func sessionPrefix(session string) string {
	return fmt.Sprintf("chat:%s:", session)
}

// Append stores one message at the end of the session log.
func (h *ChatHistory) Append(ctx context.Context, session string, msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("history: encode message: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	seq, err := h.nextSeqLocked(ctx, session)
	if err != nil {
		return err
	}
	if err := h.kv.Store(ctx, historyKey(session, seq), string(raw)); err != nil {
		return err
	}
	h.next[session] = seq + 1
	return nil
}

// nextSeqLocked lazily recovers the sequence counter from the store so the
// log survives restarts.
func (h *ChatHistory) nextSeqLocked(ctx context.Context, session string) (int, error) {
	if seq, ok := h.next[session]; ok {
		return seq, nil
	}
	existing, err := h.kv.ScanPrefix(ctx, sessionPrefix(session))
	if err != nil {
		return 0, err
	}
	return len(existing), nil
}

// History returns the session's messages, oldest first.
func (h *ChatHistory) History(ctx context.Context, session string) ([]Message, error) {
	entries, err := h.kv.ScanPrefix(ctx, sessionPrefix(session))
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Message, 0, len(keys))
	for _, k := range keys {
		var msg Message
		if err := json.Unmarshal([]byte(entries[k]), &msg); err != nil {
			return nil, fmt.Errorf("history: decode %q: %w", k, err)
		}
		out = append(out, msg)
	}
	return out, nil
}

// Clear removes the session's log.
func (h *ChatHistory) Clear(ctx context.Context, session string) error {
	entries, err := h.kv.ScanPrefix(ctx, sessionPrefix(session))
	if err != nil {
		return err
	}
	for k := range entries {
		if err := h.kv.Delete(ctx, k); err != nil {
			return err
		}
	}
	h.mu.Lock()
	delete(h.next, session)
	h.mu.Unlock()
	return nil
}
