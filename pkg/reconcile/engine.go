// iris-chat - A peer-to-peer encrypted chat client.
// Copyright (C) 2026 iris-chat contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrEngineClosed is returned when a payload is offered to a torn-down
// engine. In-flight background writes finish on their own; no new work
// is accepted.
var ErrEngineClosed = errors.New("engine is closed")

// ioTimeout bounds background persistence writes and publishes.
const ioTimeout = 30 * time.Second

// Persistence is the durable-storage collaborator. The in-memory engine
// state is the read-path source of truth; these writes are fire-and-forget
// and a failure never rolls back what the user has already been shown.
type Persistence interface {
	SaveSession(ctx context.Context, sess *Session) error
	SaveMessage(ctx context.Context, msg *Message) error
	UpdateMessageStatus(ctx context.Context, messageID string, status MessageStatus, eventID string) error
	UpdateMessageStatusByRumorID(ctx context.Context, rumorID string, status MessageStatus) error
	LoadMessages(ctx context.Context, sessionID, beforeID string, limit int) ([]*Message, error)
	LoadSessions(ctx context.Context) ([]*Session, error)
}

// Publisher is the network collaborator that encrypts and fans out an
// outbound rumor (message, receipt, or typing signal) to a recipient.
// Publishes are best-effort: failures are logged, never retried
// synchronously, and never block reconciliation.
type Publisher interface {
	Publish(ctx context.Context, recipientKey string, rumor *Rumor) error
}

// Engine is the reconciliation facade: the single entry point that turns
// a stream of already-decrypted, out-of-order, possibly duplicated rumors
// into consistent per-session timelines, typing presence, and receipt
// state. One engine exists per signed-in identity; construct it on
// sign-in and Close it on sign-out.
//
// All reconciliation is serialized by one mutex: no two payloads are ever
// reconciled concurrently, which is what makes the dedup and
// typing-staleness invariants sound without per-session locks. In-memory
// mutation completes before any I/O is issued, so a payload arriving
// while a persistence write is in flight still sees the updated state.
type Engine struct {
	log       zerolog.Logger
	store     Persistence
	publisher Publisher

	ownerKey      string
	ownDeviceKeys map[string]bool

	// OnTypingChanged, when set, is called (under the engine lock) on
	// every typing-presence transition. Set it before feeding payloads.
	OnTypingChanged func(sessionID string, isTyping bool)

	mu       sync.Mutex
	sessions map[string]*Session
	keyIndex map[string]string // any peer key (owner or device) → session ID
	prefs    Preferences
	closed   bool

	now func() time.Time
}

// NewEngine constructs a reconciliation engine for the local user's
// logical owner key. store and publisher may not be nil.
func NewEngine(ownerKey string, store Persistence, publisher Publisher, log zerolog.Logger) *Engine {
	return &Engine{
		log:           log.With().Str("component", "reconcile").Logger(),
		store:         store,
		publisher:     publisher,
		ownerKey:      ownerKey,
		ownDeviceKeys: make(map[string]bool),
		sessions:      make(map[string]*Session),
		keyIndex:      make(map[string]string),
		now:           time.Now,
	}
}

// SetPreferences swaps the receipt-emission preferences. Takes effect on
// the next relevant event; nothing is re-emitted retroactively.
func (e *Engine) SetPreferences(prefs Preferences) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prefs = prefs
}

// Preferences returns the current receipt-emission preferences.
func (e *Engine) Preferences() Preferences {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prefs
}

// LoadState restores sessions and their most recent messages from the
// persistence collaborator. Call once after construction, before feeding
// payloads.
func (e *Engine) LoadState(ctx context.Context, recentLimit int) error {
	sessions, err := e.store.LoadSessions(ctx)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, loaded := range sessions {
		sess := newSession(loaded.ID, loaded.PeerKey, loaded.CreatedAt)
		sess.DeviceKeys = loaded.DeviceKeys
		sess.LastMessageTS = loaded.LastMessageTS
		sess.LastMessagePreview = loaded.LastMessagePreview
		sess.Unread = loaded.Unread
		e.sessions[sess.ID] = sess
		e.keyIndex[sess.PeerKey] = sess.ID
		for _, key := range sess.DeviceKeys {
			e.keyIndex[key] = sess.ID
		}

		msgs, err := e.store.LoadMessages(ctx, sess.ID, "", recentLimit)
		if err != nil {
			return fmt.Errorf("load messages for session %s: %w", sess.ID, err)
		}
		sess.mergeOlder(msgs)
	}
	e.log.Info().Int("sessions", len(sessions)).Msg("Restored engine state")
	return nil
}

// ReceiveDecrypted is the single entry point for every decrypted payload:
// it resolves identity → session, classifies the payload by kind, and
// dispatches to the matching handler. Returns the locally-originated
// message ID when the payload reconciled an optimistic send (callers use
// it to stop a "sending" spinner), or "" otherwise.
//
// A panic inside a handler is recovered and reported as an error;
// reconciliation of subsequent payloads is never halted by one bad
// payload.
func (e *Engine) ReceiveDecrypted(ctx context.Context, senderKey string, payload []byte, outerEventID string, outerTS time.Time) (reconciled string, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().
				Interface("panic", r).
				Str("sender_key", senderKey).
				Bytes("stack", debug.Stack()).
				Msg("Recovered panic while reconciling payload")
			reconciled = ""
			err = fmt.Errorf("reconciliation panic: %v", r)
		}
	}()

	rumor, err := ParseRumor(payload)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", ErrEngineClosed
	}

	log := e.log.With().
		Str("rumor_id", rumor.ID).
		Int("kind", rumor.Kind).
		Str("sender_key", senderKey).
		Logger()

	sess := e.resolveSession(senderKey, rumor.OwnerKey())
	if sess == nil {
		log.Debug().Str("owner_tag", rumor.OwnerKey()).Msg("No session for payload")
		return "", ErrSessionNotFound
	}

	switch rumor.Kind {
	case KindChatMessage:
		return e.handleChatMessage(log, sess, rumor, outerEventID), nil
	case KindTyping:
		e.handleTyping(log, sess, rumor)
	case KindReceipt:
		e.handleReceipt(log, sess, rumor)
	case KindReaction:
		e.handleReaction(log, sess, rumor)
	default:
		log.Debug().Msg("Dropping rumor with unknown kind")
	}
	return "", nil
}

// handleChatMessage applies a text rumor to the session timeline.
// Re-delivery of a known rumor ID is idempotent: it never creates a
// second message and never re-triggers first-arrival side effects
// (persistence write, receipt emission, unread bump).
//
// The known-rumor path doubles as the optimistic send reconciler: when
// the rumor ID matches an outgoing message still awaiting its echo, this
// is our own send echoed back by the network (possibly under a different
// sender key alias) and it fills in the network-assigned event ID instead
// of appending anything. A receipt for the send can overtake the echo and
// advance the status first, and a publish we marked failed can still have
// reached the network; the echo clears the sending flag and settles the
// status in both cases.
//
// Callers must hold e.mu.
func (e *Engine) handleChatMessage(log zerolog.Logger, sess *Session, rumor *Rumor, outerEventID string) string {
	if existing, ok := sess.byRumorID[rumor.ID]; ok {
		if existing.IsFromMe && (existing.Sending || statusRank[existing.Status] < statusRank[StatusSent]) {
			if outerEventID != "" {
				existing.EventID = outerEventID
			}
			// A receipt referencing this send may have overtaken the echo;
			// the status it already proved is never downgraded back to sent.
			if statusRank[StatusSent] > statusRank[existing.Status] {
				existing.Status = StatusSent
			}
			existing.Sending = false
			messageID, eventID, status := existing.ID, existing.EventID, existing.Status
			e.persistAsync(log, "reconcile optimistic send", func(ctx context.Context) error {
				return e.store.UpdateMessageStatus(ctx, messageID, status, eventID)
			})
			log.Debug().Str("message_id", existing.ID).Msg("Reconciled optimistic send with network echo")
			return existing.ID
		}
		if existing.EventID == "" && outerEventID != "" {
			existing.EventID = outerEventID
		}
		log.Debug().Str("message_id", existing.ID).Msg("Dropping duplicate rumor")
		return ""
	}

	fromMe := e.isOwnKey(rumor.PubKey)
	status := StatusDelivered
	if fromMe {
		// Echo of a send from another of our devices, or an echo that beat
		// the optimistic entry in a race. Either way the network has it.
		status = StatusSent
	}
	msg := &Message{
		ID:          rumor.ID,
		SessionID:   sess.ID,
		Text:        rumor.Content,
		Timestamp:   rumor.CreatedAt,
		TimestampMS: rumor.MillisecondHint(),
		IsFromMe:    fromMe,
		Status:      status,
		RumorID:     rumor.ID,
		EventID:     outerEventID,
		ReplyTo:     rumor.Tag(tagReference),
	}
	sess.insertMessage(msg)

	if !fromMe {
		sess.Unread++
		e.noteRemoteActivity(sess, msg.Timestamp, msg.TimestampMS)
	}

	snapshot := msg.clone()
	e.persistAsync(log, "save message", func(ctx context.Context) error {
		return e.store.SaveMessage(ctx, snapshot)
	})
	e.persistSessionLocked(sess)

	if !fromMe && e.prefs.SendDeliveryReceipts {
		e.queueDeliveryReceipt(log, sess, msg)
	}
	return ""
}

// handleReaction mutates the reaction map of the referenced message.
// Reactions follow the same dedup-by-rumor-ID discipline as text messages
// but never append to the timeline. Content is the emoji; a leading "-"
// removes the reactor's earlier reaction instead.
//
// Callers must hold e.mu.
func (e *Engine) handleReaction(log zerolog.Logger, sess *Session, rumor *Rumor) {
	if sess.appliedRumors[rumor.ID] {
		log.Debug().Msg("Dropping duplicate reaction")
		return
	}
	target := rumor.Tag(tagReference)
	if target == "" || rumor.Content == "" {
		log.Debug().Msg("Dropping reaction without target or emoji")
		return
	}
	sess.appliedRumors[rumor.ID] = true

	msg, ok := sess.byRumorID[target]
	if !ok {
		log.Debug().Str("target", target).Msg("Dropping reaction for unknown message")
		return
	}

	emoji, remove := rumor.Content, false
	if emoji[0] == '-' {
		emoji, remove = emoji[1:], true
	}
	if emoji == "" {
		return
	}
	if remove {
		if reactors, ok := msg.Reactions[emoji]; ok {
			delete(reactors, rumor.PubKey)
			if len(reactors) == 0 {
				delete(msg.Reactions, emoji)
			}
		}
	} else {
		if msg.Reactions == nil {
			msg.Reactions = make(map[string]map[string]bool)
		}
		if msg.Reactions[emoji] == nil {
			msg.Reactions[emoji] = make(map[string]bool)
		}
		msg.Reactions[emoji][rumor.PubKey] = true
	}

	snapshot := msg.clone()
	e.persistAsync(log, "save message reactions", func(ctx context.Context) error {
		return e.store.SaveMessage(ctx, snapshot)
	})
}

// SendText appends an optimistic outgoing message (pending, locally
// generated ID, sending flag set) and hands the rumor to the publisher.
// The later network echo flips it to sent via handleChatMessage. If the
// echo won the race and is already in the timeline, that message is
// returned instead; exactly one message survives either ordering.
func (e *Engine) SendText(ctx context.Context, sessionID, text, replyTo string) (*Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	sess, ok := e.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	now := e.now()
	rumor := e.buildTextRumor(sess, text, replyTo, now)
	log := e.log.With().Str("session_id", sessionID).Str("rumor_id", rumor.ID).Logger()

	if existing, ok := sess.byRumorID[rumor.ID]; ok {
		log.Debug().Str("message_id", existing.ID).Msg("Send already reconciled by its own echo")
		return existing, nil
	}

	msg := &Message{
		ID:          uuid.New().String(),
		SessionID:   sess.ID,
		Text:        text,
		Timestamp:   now.Unix(),
		TimestampMS: now.UnixMilli(),
		IsFromMe:    true,
		Status:      StatusPending,
		RumorID:     rumor.ID,
		ReplyTo:     replyTo,
		Sending:     true,
	}
	sess.insertMessage(msg)

	snapshot := msg.clone()
	e.persistAsync(log, "save outgoing message", func(ctx context.Context) error {
		return e.store.SaveMessage(ctx, snapshot)
	})
	e.persistSessionLocked(sess)

	go func() {
		pubCtx, cancel := context.WithTimeout(context.Background(), ioTimeout)
		defer cancel()
		err := e.publisher.Publish(pubCtx, sess.PeerKey, rumor)
		if err == nil {
			return
		}
		log.Warn().Err(err).Msg("Failed to publish outgoing message")
		e.mu.Lock()
		if msg.Status == StatusPending {
			msg.Status = StatusFailed
			msg.Sending = false
			e.persistAsync(log, "mark message failed", func(ctx context.Context) error {
				return e.store.UpdateMessageStatus(ctx, msg.ID, StatusFailed, "")
			})
		}
		e.mu.Unlock()
	}()

	return msg, nil
}

// buildTextRumor assembles the outbound rumor for a text send. Kept
// separate from SendText so the echo path is reproducible byte for byte.
func (e *Engine) buildTextRumor(sess *Session, text, replyTo string, now time.Time) *Rumor {
	tags := [][]string{
		{tagOwner, sess.PeerKey},
		{tagMillis, strconv.FormatInt(now.UnixMilli(), 10)},
	}
	if replyTo != "" {
		tags = append(tags, []string{tagReference, replyTo})
	}
	rumor := &Rumor{
		PubKey:    e.ownerKey,
		CreatedAt: now.Unix(),
		Kind:      KindChatMessage,
		Tags:      tags,
		Content:   text,
	}
	rumor.ID = rumor.ComputeID()
	return rumor
}

// LoadOlderMessages pages history in from persistence and merges it into
// the session timeline, deduplicated by identifier. Returns how many
// messages were added.
func (e *Engine) LoadOlderMessages(ctx context.Context, sessionID, beforeID string, limit int) (int, error) {
	e.mu.Lock()
	sess, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return 0, ErrSessionNotFound
	}

	batch, err := e.store.LoadMessages(ctx, sessionID, beforeID, limit)
	if err != nil {
		return 0, fmt.Errorf("load older messages: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return sess.mergeOlder(batch), nil
}

// Session returns the session with the given ID, or nil. The returned
// record is live engine state; treat it as read-only.
func (e *Engine) Session(sessionID string) *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[sessionID]
}

// Sessions returns all sessions, most recently active first.
func (e *Engine) Sessions() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Session, 0, len(e.sessions))
	for _, sess := range e.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageTS != out[j].LastMessageTS {
			return out[i].LastMessageTS > out[j].LastMessageTS
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SessionForKey resolves any peer key (owner or device) to its session.
func (e *Engine) SessionForKey(key string) *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resolveSession(key, "")
}

// Messages returns a copy of a session's ordered timeline.
func (e *Engine) Messages(sessionID string) []*Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.sessions[sessionID]
	if !ok {
		return nil
	}
	return sess.Messages()
}

// Close tears the engine down: no new payloads are accepted and pending
// typing timers are cancelled. Background writes already in flight finish
// on their own.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for _, sess := range e.sessions {
		if sess.typing.timer != nil {
			sess.typing.timer.Stop()
			sess.typing.timer = nil
		}
	}
}

// persistSessionLocked saves a session metadata snapshot in the
// background. Callers must hold e.mu.
func (e *Engine) persistSessionLocked(sess *Session) {
	snapshot := sess.snapshot()
	e.persistAsync(e.log, "save session", func(ctx context.Context) error {
		return e.store.SaveSession(ctx, snapshot)
	})
}

// persistAsync runs a persistence write in the background. The in-memory
// state is already updated and is the read-path source of truth: a failed
// write is logged and left to the persistence collaborator's own retry
// policy, never rolled back.
func (e *Engine) persistAsync(log zerolog.Logger, op string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Warn().Err(err).Str("op", op).Msg("Persistence write failed, keeping in-memory state")
		}
	}()
}

// publishAsync hands an outbound rumor to the publisher in the
// background. Best-effort: a failure is logged and not retried.
func (e *Engine) publishAsync(log zerolog.Logger, op, recipientKey string, rumor *Rumor) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
		defer cancel()
		if err := e.publisher.Publish(ctx, recipientKey, rumor); err != nil {
			log.Warn().Err(err).Str("op", op).Msg("Best-effort publish failed")
		}
	}()
}
