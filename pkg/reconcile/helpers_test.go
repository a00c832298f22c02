package reconcile

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const (
	testOwnerKey   = "owner-local"
	testOwnDevice  = "device-local-1"
	testPeerKey    = "owner-peer"
	testPeerDevice = "device-peer-1"
)

type statusUpdate struct {
	MessageID string
	RumorID   string
	Status    MessageStatus
	EventID   string
}

type fakeStore struct {
	mu            sync.Mutex
	savedMessages []*Message
	savedSessions []*Session
	statusUpdates []statusUpdate
	loadResult    []*Message
	loadErr       error
}

func (f *fakeStore) SaveSession(_ context.Context, sess *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savedSessions = append(f.savedSessions, sess)
	return nil
}

func (f *fakeStore) SaveMessage(_ context.Context, msg *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savedMessages = append(f.savedMessages, msg)
	return nil
}

func (f *fakeStore) UpdateMessageStatus(_ context.Context, messageID string, status MessageStatus, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusUpdates = append(f.statusUpdates, statusUpdate{MessageID: messageID, Status: status, EventID: eventID})
	return nil
}

func (f *fakeStore) UpdateMessageStatusByRumorID(_ context.Context, rumorID string, status MessageStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusUpdates = append(f.statusUpdates, statusUpdate{RumorID: rumorID, Status: status})
	return nil
}

func (f *fakeStore) LoadMessages(_ context.Context, _, _ string, _ int) ([]*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadResult, f.loadErr
}

func (f *fakeStore) LoadSessions(_ context.Context) ([]*Session, error) {
	return nil, nil
}

func (f *fakeStore) savedMessageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.savedMessages)
}

type published struct {
	RecipientKey string
	Rumor        *Rumor
}

type fakePublisher struct {
	mu     sync.Mutex
	sent   []published
	pubErr error
}

func (f *fakePublisher) Publish(_ context.Context, recipientKey string, rumor *Rumor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pubErr != nil {
		return f.pubErr
	}
	f.sent = append(f.sent, published{RecipientKey: recipientKey, Rumor: rumor})
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakePublisher) countKind(kind int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.sent {
		if p.Rumor.Kind == kind {
			n++
		}
	}
	return n
}

func (f *fakePublisher) last() published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

// newTestEngine builds an engine for the local owner with one session to
// the test peer, all receipt preferences enabled.
func newTestEngine(t *testing.T) (*Engine, *Session, *fakeStore, *fakePublisher) {
	t.Helper()
	store := &fakeStore{}
	publisher := &fakePublisher{}
	engine := NewEngine(testOwnerKey, store, publisher, zerolog.Nop())
	t.Cleanup(engine.Close)
	engine.RegisterOwnDeviceKey(testOwnDevice)
	engine.SetPreferences(Preferences{
		SendTyping:           true,
		SendDeliveryReceipts: true,
		SendReadReceipts:     true,
	})
	sess, err := engine.CreateSession(testPeerKey, testPeerDevice)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return engine, sess, store, publisher
}

// receive marshals a rumor and feeds it through the facade.
func receive(t *testing.T, engine *Engine, senderKey string, rumor *Rumor, outerEventID string) (string, error) {
	t.Helper()
	payload, err := json.Marshal(rumor)
	if err != nil {
		t.Fatalf("marshal rumor: %v", err)
	}
	return engine.ReceiveDecrypted(context.Background(), senderKey, payload, outerEventID, time.Now())
}

func mustReceive(t *testing.T, engine *Engine, senderKey string, rumor *Rumor, outerEventID string) string {
	t.Helper()
	reconciled, err := receive(t, engine, senderKey, rumor, outerEventID)
	if err != nil {
		t.Fatalf("ReceiveDecrypted failed: %v", err)
	}
	return reconciled
}

// textRumor builds a peer-authored chat message rumor.
func textRumor(author string, ts int64, content string, tags ...[]string) *Rumor {
	rumor := &Rumor{
		PubKey:    author,
		CreatedAt: ts,
		Kind:      KindChatMessage,
		Tags:      tags,
		Content:   content,
	}
	rumor.ID = rumor.ComputeID()
	return rumor
}

func typingRumor(author string, ts int64, tags ...[]string) *Rumor {
	rumor := &Rumor{
		PubKey:    author,
		CreatedAt: ts,
		Kind:      KindTyping,
		Tags:      tags,
	}
	rumor.ID = rumor.ComputeID()
	return rumor
}

// waitFor polls cond until it holds or the deadline passes. Used to
// observe fire-and-forget persistence writes and publishes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// settle gives background goroutines a moment to do something they
// shouldn't, before asserting they didn't.
func settle() {
	time.Sleep(50 * time.Millisecond)
}
