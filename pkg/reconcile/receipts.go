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
	"strconv"

	"github.com/rs/zerolog"
)

// handleReceipt applies an incoming delivered/seen receipt to the local
// outgoing messages it references. Status only ever moves forward: a
// delivered receipt arriving after a seen receipt is a no-op. Unknown
// referenced identifiers are ignored without error; receipts are
// best-effort signals and replaying one is harmless.
//
// Callers must hold e.mu.
func (e *Engine) handleReceipt(log zerolog.Logger, sess *Session, rumor *Rumor) {
	var status MessageStatus
	switch rumor.ReceiptType() {
	case ReceiptDelivered:
		status = StatusDelivered
	case ReceiptSeen:
		status = StatusSeen
	default:
		log.Debug().Str("receipt_type", rumor.ReceiptType()).Msg("Dropping receipt with unknown type")
		return
	}

	for _, ref := range rumor.References() {
		msg, ok := sess.byRumorID[ref]
		if !ok || !msg.IsFromMe {
			continue
		}
		if statusRank[status] <= statusRank[msg.Status] {
			continue
		}
		msg.Status = status
		log.Debug().
			Str("message_id", msg.ID).
			Str("status", string(status)).
			Msg("Applied incoming receipt")
		rumorID := msg.RumorID
		e.persistAsync(log, "update message status by rumor ID", func(ctx context.Context) error {
			return e.store.UpdateMessageStatusByRumorID(ctx, rumorID, status)
		})
	}
}

// queueDeliveryReceipt publishes a delivered receipt for a freshly
// accepted remote message. Only called on first arrival of a rumor ID
// (dedup guarantees it), so a given message is acknowledged at most once.
// The caller has already checked the delivery-receipt preference.
//
// Callers must hold e.mu.
func (e *Engine) queueDeliveryReceipt(log zerolog.Logger, sess *Session, msg *Message) {
	receipt := e.buildReceiptRumor(ReceiptDelivered, sess.PeerKey, []string{msg.RumorID})
	e.publishAsync(log, "delivery receipt", sess.PeerKey, receipt)
}

// MarkConversationSeen advances every incoming message in the session to
// seen and resets the unread counter. The local status always advances so
// the UI reflects local read state; the seen receipt is only published
// when the read-receipt preference is enabled.
func (e *Engine) MarkConversationSeen(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	sess, ok := e.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	log := e.log.With().Str("session_id", sessionID).Logger()

	var seenRefs []string
	for _, msg := range sess.messages {
		if msg.IsFromMe || statusRank[msg.Status] >= statusRank[StatusSeen] {
			continue
		}
		msg.Status = StatusSeen
		seenRefs = append(seenRefs, msg.RumorID)
		messageID := msg.ID
		e.persistAsync(log, "mark message seen", func(ctx context.Context) error {
			return e.store.UpdateMessageStatus(ctx, messageID, StatusSeen, "")
		})
	}
	if sess.Unread != 0 {
		sess.Unread = 0
		e.persistSessionLocked(sess)
	}

	if len(seenRefs) > 0 && e.prefs.SendReadReceipts {
		receipt := e.buildReceiptRumor(ReceiptSeen, sess.PeerKey, seenRefs)
		e.publishAsync(log, "read receipt", sess.PeerKey, receipt)
	}
	return nil
}

// SetTyping publishes a typing start/stop signal for a session, gated by
// the typing preference. Start signals carry an expiration deadline so a
// crashed client never leaves a permanently stuck indicator on the
// receiving side; a stop is a start whose deadline has already elapsed.
func (e *Engine) SetTyping(ctx context.Context, sessionID string, typing bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	sess, ok := e.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if !e.prefs.SendTyping {
		return nil
	}

	now := e.now()
	expiration := now.Unix() + int64(typingSignalTTL.Seconds())
	if !typing {
		expiration = now.Unix()
	}
	rumor := &Rumor{
		PubKey:    e.ownerKey,
		CreatedAt: now.Unix(),
		Kind:      KindTyping,
		Tags: [][]string{
			{tagOwner, sess.PeerKey},
			{tagMillis, strconv.FormatInt(now.UnixMilli(), 10)},
			{tagExpiration, strconv.FormatInt(expiration, 10)},
		},
	}
	rumor.ID = rumor.ComputeID()

	log := e.log.With().Str("session_id", sessionID).Bool("typing", typing).Logger()
	e.publishAsync(log, "typing signal", sess.PeerKey, rumor)
	return nil
}

// buildReceiptRumor assembles a receipt rumor referencing the given
// message rumor IDs. Receipts reference messages by rumor ID, the only
// identifier both sides share.
func (e *Engine) buildReceiptRumor(receiptType, recipientKey string, refs []string) *Rumor {
	now := e.now()
	tags := [][]string{
		{tagOwner, recipientKey},
		{tagType, receiptType},
	}
	for _, ref := range refs {
		tags = append(tags, []string{tagReference, ref})
	}
	rumor := &Rumor{
		PubKey:    e.ownerKey,
		CreatedAt: now.Unix(),
		Kind:      KindReceipt,
		Tags:      tags,
	}
	rumor.ID = rumor.ComputeID()
	return rumor
}
