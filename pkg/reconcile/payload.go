// iris-chat - A peer-to-peer encrypted chat client.
// Copyright (C) 2026 iris-chat contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Rumor kinds understood by the reconciliation engine. Anything else is
// dropped without error; unknown kinds are expected from newer clients.
const (
	KindChatMessage = 14
	KindReaction    = 7
	KindReceipt     = 15
	KindTyping      = 20
)

// Receipt subtypes carried in the "type" tag of KindReceipt rumors.
const (
	ReceiptDelivered = "delivered"
	ReceiptSeen      = "seen"
)

// Tag names consumed from rumors.
const (
	tagOwner      = "p"          // logical owner key
	tagReference  = "e"          // referenced message rumor ID
	tagMillis     = "ms"         // millisecond precision hint
	tagExpiration = "expiration" // unix-second deadline (typing)
	tagType       = "type"       // receipt subtype
)

// ErrMalformedPayload is returned when a decrypted payload is missing
// required fields or isn't valid JSON. Nothing is applied to any
// conversation state in that case.
var ErrMalformedPayload = errors.New("malformed payload")

// Rumor is the decrypted inner payload: a minimal event-like structure
// that is protocol-agnostic of the outer encrypted transport. Its ID is
// content-addressed, so it stays stable across retransmission and relay
// fan-out, which is what makes it usable as a dedup key.
type Rumor struct {
	ID        string     `json:"id,omitempty"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags,omitempty"`
	Content   string     `json:"content"`
}

// ParseRumor decodes a decrypted payload and validates the fields every
// kind requires. The ID is recomputed from content when absent so that
// senders can't spoof dedup keys.
func ParseRumor(payload []byte) (*Rumor, error) {
	var rumor Rumor
	if err := json.Unmarshal(payload, &rumor); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if rumor.PubKey == "" {
		return nil, fmt.Errorf("%w: missing pubkey", ErrMalformedPayload)
	}
	if rumor.CreatedAt == 0 {
		return nil, fmt.Errorf("%w: missing created_at", ErrMalformedPayload)
	}
	if rumor.Kind == 0 {
		return nil, fmt.Errorf("%w: missing kind", ErrMalformedPayload)
	}
	if rumor.ID == "" {
		rumor.ID = rumor.ComputeID()
	}
	return &rumor, nil
}

// ComputeID returns the content-addressed identifier of the rumor: the
// lowercase hex SHA-256 of the canonical [0, pubkey, created_at, kind,
// tags, content] serialization.
func (r *Rumor) ComputeID() string {
	tags := r.Tags
	if tags == nil {
		tags = [][]string{}
	}
	canonical, _ := json.Marshal([]any{0, r.PubKey, r.CreatedAt, r.Kind, tags, r.Content})
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Tag returns the value of the first tag with the given name, or "".
func (r *Rumor) Tag(name string) string {
	for _, tag := range r.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// TagValues returns the values of every tag with the given name.
func (r *Rumor) TagValues(name string) []string {
	var values []string
	for _, tag := range r.Tags {
		if len(tag) >= 2 && tag[0] == name {
			values = append(values, tag[1])
		}
	}
	return values
}

// OwnerKey returns the logical owner key named in the rumor's "p" tag.
// For peer-authored rumors this names the author's owner identity; for
// self-authored echoes it names the recipient. Either way it is the
// second lookup key for session resolution.
func (r *Rumor) OwnerKey() string {
	return r.Tag(tagOwner)
}

// MillisecondHint returns the unix-millisecond precision hint from the
// "ms" tag, or 0 when absent or unparseable. The hint is only ever a
// tie-breaker; the coarse created_at field is authoritative for ordering.
func (r *Rumor) MillisecondHint() int64 {
	raw := r.Tag(tagMillis)
	if raw == "" {
		return 0
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms < 0 {
		return 0
	}
	return ms
}

// Expiration returns the unix-second deadline from the "expiration" tag,
// or 0 when absent or unparseable.
func (r *Rumor) Expiration() int64 {
	raw := r.Tag(tagExpiration)
	if raw == "" {
		return 0
	}
	deadline, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || deadline < 0 {
		return 0
	}
	return deadline
}

// References returns the rumor IDs named in "e" tags: the reply target
// for chat messages, the acknowledged messages for receipts, and the
// reaction target for reactions.
func (r *Rumor) References() []string {
	return r.TagValues(tagReference)
}

// ReceiptType returns the receipt subtype ("delivered" or "seen").
func (r *Rumor) ReceiptType() string {
	return r.Tag(tagType)
}

// tsAfter reports whether (aSec, aMS) is strictly newer than (bSec, bMS).
// Coarse seconds are authoritative; millisecond hints break exact coarse
// ties, and only when both sides carry one. Independent clocks commonly
// share second-resolution timestamps, so an equal coarse timestamp alone
// never proves staleness.
func tsAfter(aSec, aMS, bSec, bMS int64) bool {
	if aSec != bSec {
		return aSec > bSec
	}
	if aMS > 0 && bMS > 0 {
		return aMS > bMS
	}
	return false
}
