// iris-chat - A peer-to-peer encrypted chat client.
// Copyright (C) 2026 iris-chat contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package reconcile

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrSessionNotFound is returned when a payload can't be resolved to any
// session by either its raw sender key or its tagged owner key. The
// payload is not applied anywhere; the caller may choose to materialize
// a new session and re-deliver.
var ErrSessionNotFound = errors.New("no session found for key")

// resolveSession maps a raw sender key, plus the optional owner key named
// in the payload's "p" tag, to the session it belongs to. The raw key is
// tried first (covers conversations keyed directly on a device key), the
// owner key second; the fixed order keeps resolution deterministic.
// Lookups never merge or mutate records. Self-authored echoes resolve the
// same way: the raw sender key is one of our own device keys and misses,
// and the recipient's owner key in the tag finds the one true session.
//
// Callers must hold e.mu.
func (e *Engine) resolveSession(senderKey, ownerKey string) *Session {
	if id, ok := e.keyIndex[senderKey]; ok {
		return e.sessions[id]
	}
	if ownerKey != "" && ownerKey != senderKey {
		if id, ok := e.keyIndex[ownerKey]; ok {
			return e.sessions[id]
		}
	}
	return nil
}

// CreateSession materializes a new session for a peer's logical owner key,
// optionally pre-registering known device keys as aliases. The session is
// persisted in the background; the in-memory record is usable immediately.
func (e *Engine) CreateSession(peerKey string, deviceKeys ...string) (*Session, error) {
	if peerKey == "" {
		return nil, fmt.Errorf("create session: peer key is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	if id, ok := e.keyIndex[peerKey]; ok {
		return e.sessions[id], nil
	}

	sess := newSession(uuid.New().String(), peerKey, e.now())
	e.sessions[sess.ID] = sess
	e.keyIndex[peerKey] = sess.ID
	for _, key := range deviceKeys {
		if key == "" || key == peerKey {
			continue
		}
		sess.DeviceKeys = append(sess.DeviceKeys, key)
		e.keyIndex[key] = sess.ID
	}

	e.log.Debug().
		Str("session_id", sess.ID).
		Str("peer_key", peerKey).
		Int("device_keys", len(sess.DeviceKeys)).
		Msg("Created session")
	e.persistSessionLocked(sess)
	return sess, nil
}

// RegisterDeviceKey adds a device key alias for a session's peer, as
// learned from the device-list roster flow. The alias only extends the
// lookup index; key material is never merged between records.
func (e *Engine) RegisterDeviceKey(sessionID, deviceKey string) error {
	if deviceKey == "" {
		return fmt.Errorf("register device key: key is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if existing, ok := e.keyIndex[deviceKey]; ok {
		if existing != sessionID {
			return fmt.Errorf("device key %q already belongs to session %q", deviceKey, existing)
		}
		return nil
	}
	sess.DeviceKeys = append(sess.DeviceKeys, deviceKey)
	e.keyIndex[deviceKey] = sessionID
	e.persistSessionLocked(sess)
	return nil
}

// RegisterOwnDeviceKey records one of the local user's own device keys so
// self-authored echoes delivered under it are classified as outgoing.
func (e *Engine) RegisterOwnDeviceKey(deviceKey string) {
	if deviceKey == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ownDeviceKeys[deviceKey] = true
}

// isOwnKey reports whether key is the local user's owner key or one of
// their registered device keys. Callers must hold e.mu.
func (e *Engine) isOwnKey(key string) bool {
	return key == e.ownerKey || e.ownDeviceKeys[key]
}
