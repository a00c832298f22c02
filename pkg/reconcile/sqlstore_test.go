package reconcile

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	_ "github.com/mattn/go-sqlite3"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "store.db")
	db, err := dbutil.NewWithDialect(fmt.Sprintf("file:%s?_txlock=immediate", dbPath), "sqlite3")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	db.Log = dbutil.NoopLogger

	store := NewSQLStore(db, zerolog.Nop())
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	// Schema setup is idempotent across restarts.
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("second EnsureSchema failed: %v", err)
	}
	return store
}

func storedSession(id, peerKey string) *Session {
	sess := newSession(id, peerKey, time.Unix(1000, 0))
	sess.LastMessageTS = 1000
	sess.LastMessagePreview = "hello"
	sess.Unread = 2
	return sess
}

func TestSQLStoreSessionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := storedSession("sess-1", testPeerKey)
	sess.DeviceKeys = []string{testPeerDevice}
	if err := store.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	sess.Unread = 0
	sess.LastMessagePreview = "later"
	if err := store.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession upsert failed: %v", err)
	}

	loaded, err := store.LoadSessions(ctx)
	if err != nil {
		t.Fatalf("LoadSessions failed: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("loaded %d sessions, want 1", len(loaded))
	}
	got := loaded[0]
	if got.ID != "sess-1" || got.PeerKey != testPeerKey {
		t.Fatalf("loaded session %+v", got)
	}
	if len(got.DeviceKeys) != 1 || got.DeviceKeys[0] != testPeerDevice {
		t.Fatalf("device keys %v", got.DeviceKeys)
	}
	if got.Unread != 0 || got.LastMessagePreview != "later" {
		t.Fatalf("upsert did not stick: %+v", got)
	}
	if !got.CreatedAt.Equal(time.Unix(1000, 0)) {
		t.Fatalf("CreatedAt = %v", got.CreatedAt)
	}
}

func TestSQLStoreMessageRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveSession(ctx, storedSession("sess-1", testPeerKey)); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	msg := &Message{
		ID:          "msg-1",
		SessionID:   "sess-1",
		Text:        "round trip",
		Timestamp:   1000,
		TimestampMS: 1000250,
		IsFromMe:    true,
		Status:      StatusPending,
		RumorID:     "rumor-1",
		ReplyTo:     "rumor-0",
		Reactions:   map[string]map[string]bool{"👍": {testPeerKey: true}},
	}
	if err := store.SaveMessage(ctx, msg); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}
	if err := store.UpdateMessageStatus(ctx, "msg-1", StatusSent, "outer-1"); err != nil {
		t.Fatalf("UpdateMessageStatus failed: %v", err)
	}
	if err := store.UpdateMessageStatusByRumorID(ctx, "rumor-1", StatusSeen); err != nil {
		t.Fatalf("UpdateMessageStatusByRumorID failed: %v", err)
	}

	msgs, err := store.LoadMessages(ctx, "sess-1", "", 10)
	if err != nil {
		t.Fatalf("LoadMessages failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("loaded %d messages, want 1", len(msgs))
	}
	got := msgs[0]
	if got.Status != StatusSeen || got.EventID != "outer-1" {
		t.Fatalf("status updates not applied: %+v", got)
	}
	if got.Text != "round trip" || !got.IsFromMe || got.ReplyTo != "rumor-0" || got.TimestampMS != 1000250 {
		t.Fatalf("loaded message %+v", got)
	}
	if !got.Reactions["👍"][testPeerKey] {
		t.Fatalf("reactions not restored: %v", got.Reactions)
	}
}

func TestSQLStoreLoadMessagesPagination(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveSession(ctx, storedSession("sess-1", testPeerKey)); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	for i := 1; i <= 5; i++ {
		msg := &Message{
			ID:        fmt.Sprintf("msg-%d", i),
			SessionID: "sess-1",
			Text:      fmt.Sprintf("message %d", i),
			Timestamp: int64(1000 + i),
			Status:    StatusDelivered,
			RumorID:   fmt.Sprintf("rumor-%d", i),
		}
		if err := store.SaveMessage(ctx, msg); err != nil {
			t.Fatalf("SaveMessage failed: %v", err)
		}
	}

	// Most recent page, ascending order.
	page, err := store.LoadMessages(ctx, "sess-1", "", 2)
	if err != nil {
		t.Fatalf("LoadMessages failed: %v", err)
	}
	if len(page) != 2 || page[0].ID != "msg-4" || page[1].ID != "msg-5" {
		t.Fatalf("recent page = %v", timelineIDsOf(page))
	}

	// Page before the oldest of those.
	page, err = store.LoadMessages(ctx, "sess-1", "msg-4", 2)
	if err != nil {
		t.Fatalf("LoadMessages with anchor failed: %v", err)
	}
	if len(page) != 2 || page[0].ID != "msg-2" || page[1].ID != "msg-3" {
		t.Fatalf("anchored page = %v", timelineIDsOf(page))
	}

	// Unknown anchor means nothing older to serve.
	page, err = store.LoadMessages(ctx, "sess-1", "missing", 2)
	if err != nil || page != nil {
		t.Fatalf("unknown anchor: page=%v err=%v", page, err)
	}
}

func TestSQLStoreDuplicateRumorIDRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveSession(ctx, storedSession("sess-1", testPeerKey)); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	first := &Message{ID: "msg-1", SessionID: "sess-1", Text: "a", Timestamp: 1001, Status: StatusDelivered, RumorID: "rumor-dup"}
	second := &Message{ID: "msg-2", SessionID: "sess-1", Text: "b", Timestamp: 1002, Status: StatusDelivered, RumorID: "rumor-dup"}
	if err := store.SaveMessage(ctx, first); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}
	if err := store.SaveMessage(ctx, second); err == nil {
		t.Fatalf("second message with the same rumor ID was accepted")
	}
}

func timelineIDsOf(msgs []*Message) []string {
	ids := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		ids = append(ids, msg.ID)
	}
	return ids
}
