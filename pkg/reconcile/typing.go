// iris-chat - A peer-to-peer encrypted chat client.
// Copyright (C) 2026 iris-chat contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package reconcile

import (
	"time"

	"github.com/rs/zerolog"
)

// typingFallbackTimeout clears a typing flag whose signal carried no
// usable expiration tag, so a crashed sender can't leave the indicator
// stuck forever.
const typingFallbackTimeout = 60 * time.Second

// typingSignalTTL is the expiration window attached to outbound typing
// start signals.
const typingSignalTTL = 30 * time.Second

// typingState is the ephemeral per-session typing flag. Never persisted.
type typingState struct {
	active bool

	// ts/tsMS record the timestamp of the signal that set the flag, used
	// to decide whether later message activity supersedes it.
	ts   int64
	tsMS int64

	timer *time.Timer
}

// handleTyping arbitrates an incoming typing signal against the newest
// observed remote message activity. Distributed clocks and replay over
// public relays make "newest wins, but only among comparable signals from
// the same origin" the heuristic here:
//
//   - A start signal is honored unless a remote message strictly newer
//     than it has already been observed. Equal coarse timestamps are
//     not stale; only millisecond hints on both sides can prove staleness
//     at equal coarse resolution.
//   - A stop signal (a start whose expiration tag has already elapsed)
//     always wins, regardless of timestamps.
//
// Callers must hold e.mu.
func (e *Engine) handleTyping(log zerolog.Logger, sess *Session, rumor *Rumor) {
	if e.isOwnKey(rumor.PubKey) {
		// Our own typing signals echo back like any other rumor; they say
		// nothing about the peer.
		return
	}

	expiration := rumor.Expiration()
	now := e.now()
	if expiration != 0 && expiration <= now.Unix() {
		log.Debug().Str("session_id", sess.ID).Msg("Explicit typing stop")
		e.setTypingActive(sess, false)
		return
	}

	signalMS := rumor.MillisecondHint()
	if tsAfter(sess.lastRemoteTS, sess.lastRemoteMS, rumor.CreatedAt, signalMS) {
		log.Debug().
			Str("session_id", sess.ID).
			Int64("signal_ts", rumor.CreatedAt).
			Int64("last_remote_ts", sess.lastRemoteTS).
			Msg("Ignoring stale typing signal")
		return
	}

	sess.typing.ts = rumor.CreatedAt
	sess.typing.tsMS = signalMS
	e.setTypingActive(sess, true)
	e.armTypingExpiry(sess, expiration, now)
}

// noteRemoteActivity records message activity from the remote party and
// clears the typing flag when that activity is verifiably newer than the
// signal that set it. Duplicates never reach here (they're dropped by
// rumor-ID dedup first), and older retransmissions fail the strict
// comparison, so neither can clear a newer typing flag.
//
// Callers must hold e.mu.
func (e *Engine) noteRemoteActivity(sess *Session, sec, ms int64) {
	if sess.typing.active && tsAfter(sec, ms, sess.typing.ts, sess.typing.tsMS) {
		e.setTypingActive(sess, false)
	}
	if tsAfter(sec, ms, sess.lastRemoteTS, sess.lastRemoteMS) {
		sess.lastRemoteTS = sec
		sess.lastRemoteMS = ms
	}
}

// setTypingActive flips the flag, cancels any pending auto-clear, and
// fires the OnTypingChanged hook on transitions. Callers must hold e.mu.
func (e *Engine) setTypingActive(sess *Session, active bool) {
	if sess.typing.timer != nil {
		sess.typing.timer.Stop()
		sess.typing.timer = nil
	}
	if sess.typing.active == active {
		return
	}
	sess.typing.active = active
	if !active {
		sess.typing.ts = 0
		sess.typing.tsMS = 0
	}
	if e.OnTypingChanged != nil {
		e.OnTypingChanged(sess.ID, active)
	}
}

// armTypingExpiry schedules the auto-clear for an active typing flag at
// the signal's expiration deadline (or the fallback timeout). The fired
// timer re-checks under the lock that the flag it armed for is still the
// current one; a newer signal re-arms and supersedes it.
func (e *Engine) armTypingExpiry(sess *Session, expiration int64, now time.Time) {
	duration := typingFallbackTimeout
	if expiration > 0 {
		duration = time.Unix(expiration, 0).Sub(now)
		if duration <= 0 {
			duration = time.Millisecond
		}
	}
	armedTS, armedMS := sess.typing.ts, sess.typing.tsMS
	sess.typing.timer = time.AfterFunc(duration, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.closed || !sess.typing.active {
			return
		}
		if sess.typing.ts != armedTS || sess.typing.tsMS != armedMS {
			return
		}
		e.setTypingActive(sess, false)
	})
}

// IsTyping reports the current typing-presence signal for a session.
func (e *Engine) IsTyping(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.sessions[sessionID]
	return ok && sess.typing.active
}
