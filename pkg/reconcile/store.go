// iris-chat - A peer-to-peer encrypted chat client.
// Copyright (C) 2026 iris-chat contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package reconcile

import "time"

// Session is one conversation with a logical peer. The peer may sign from
// its owner key or any of its registered device keys; all of them resolve
// to the same Session through the engine's alias index.
type Session struct {
	ID         string    `json:"id"`
	PeerKey    string    `json:"peer_key"`
	DeviceKeys []string  `json:"device_keys,omitempty"`
	CreatedAt  time.Time `json:"created_at"`

	LastMessageTS      int64  `json:"last_message_ts"`
	LastMessagePreview string `json:"last_message_preview"`
	Unread             int    `json:"unread"`

	// messages is the ordered timeline; the maps index it by message ID
	// and by rumor ID (the dedup key).
	messages  []*Message
	byID      map[string]*Message
	byRumorID map[string]*Message

	// appliedRumors records non-message rumor IDs (reactions) that have
	// already been applied, so replays don't re-trigger their side effects.
	appliedRumors map[string]bool

	typing typingState

	// lastRemoteTS/lastRemoteMS track the newest message activity from the
	// remote party. Typing staleness is keyed off this only: the local
	// user's own traffic must never suppress a later remote typing signal.
	lastRemoteTS int64
	lastRemoteMS int64
}

func newSession(id, peerKey string, createdAt time.Time) *Session {
	return &Session{
		ID:            id,
		PeerKey:       peerKey,
		CreatedAt:     createdAt,
		byID:          make(map[string]*Message),
		byRumorID:     make(map[string]*Message),
		appliedRumors: make(map[string]bool),
	}
}

// messageLess reports whether a sorts strictly before b: ascending coarse
// timestamp, millisecond hint as tie-breaker when both messages carry one.
// When neither (or only one) has a hint, messages with equal coarse
// timestamps keep arrival order, a stable sort that avoids reordering
// churn for near-simultaneous messages.
func messageLess(a, b *Message) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	if a.TimestampMS > 0 && b.TimestampMS > 0 {
		return a.TimestampMS < b.TimestampMS
	}
	return false
}

// insertMessage places msg into the ordered timeline and indexes it.
// Equal-ranking messages stay in arrival order: the new message is
// inserted after every message it doesn't sort strictly before.
func (s *Session) insertMessage(msg *Message) {
	i := len(s.messages)
	for i > 0 && messageLess(msg, s.messages[i-1]) {
		i--
	}
	s.messages = append(s.messages, nil)
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = msg

	s.byID[msg.ID] = msg
	s.byRumorID[msg.RumorID] = msg

	if msg.Timestamp >= s.LastMessageTS {
		s.LastMessageTS = msg.Timestamp
		s.LastMessagePreview = msg.Text
	}
}

// mergeOlder folds a page of history loaded from persistence into the
// timeline, skipping anything already present, checked by identifier
// not by position. Returns how many messages were actually added.
func (s *Session) mergeOlder(batch []*Message) int {
	added := 0
	for _, msg := range batch {
		if msg == nil || msg.ID == "" {
			continue
		}
		if _, exists := s.byID[msg.ID]; exists {
			continue
		}
		if _, exists := s.byRumorID[msg.RumorID]; exists && msg.RumorID != "" {
			continue
		}
		s.insertMessage(msg)
		added++
	}
	return added
}

// snapshot copies the persisted session metadata for handing to a
// background write while the live record keeps changing under the lock.
func (s *Session) snapshot() *Session {
	out := &Session{
		ID:                 s.ID,
		PeerKey:            s.PeerKey,
		CreatedAt:          s.CreatedAt,
		LastMessageTS:      s.LastMessageTS,
		LastMessagePreview: s.LastMessagePreview,
		Unread:             s.Unread,
	}
	out.DeviceKeys = append(out.DeviceKeys, s.DeviceKeys...)
	return out
}

// Messages returns a copy of the ordered timeline.
func (s *Session) Messages() []*Message {
	out := make([]*Message, len(s.messages))
	copy(out, s.messages)
	return out
}
