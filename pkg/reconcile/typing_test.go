package reconcile

import (
	"context"
	"strconv"
	"testing"
	"time"
)

func TestTypingSurvivesReplayOfOlderMessage(t *testing.T) {
	engine, sess, _, _ := newTestEngine(t)

	mustReceive(t, engine, testPeerKey, typingRumor(testPeerKey, 10), "")
	if !engine.IsTyping(sess.ID) {
		t.Fatalf("expected typing after start at t=10")
	}

	// A delayed/replayed message older than the typing signal arrives
	// afterwards. It must not clear the newer typing flag.
	mustReceive(t, engine, testPeerKey, textRumor(testPeerKey, 9, "late replay"), "")
	if !engine.IsTyping(sess.ID) {
		t.Fatalf("older message cleared newer typing flag")
	}
}

func TestStaleTypingSignalSuppressedByNewerRemoteMessage(t *testing.T) {
	engine, sess, _, _ := newTestEngine(t)

	mustReceive(t, engine, testPeerKey, textRumor(testPeerKey, 10, "recent"), "")
	mustReceive(t, engine, testPeerKey, typingRumor(testPeerKey, 9), "")
	if engine.IsTyping(sess.ID) {
		t.Fatalf("typing start older than remote message was honored")
	}
}

func TestSelfTrafficNeverSuppressesRemoteTyping(t *testing.T) {
	engine, sess, _, _ := newTestEngine(t)
	now := time.Unix(10, 0)
	engine.now = func() time.Time { return now }

	if _, err := engine.SendText(context.Background(), sess.ID, "outgoing at t=10", ""); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}

	mustReceive(t, engine, testPeerKey, typingRumor(testPeerKey, 9), "")
	if !engine.IsTyping(sess.ID) {
		t.Fatalf("local outgoing traffic suppressed remote typing signal")
	}
}

func TestEqualCoarseTimestampIsNotStale(t *testing.T) {
	engine, sess, _, _ := newTestEngine(t)

	// Independent clocks commonly share second-resolution timestamps:
	// without fine hints on both sides, equal coarse means not stale.
	mustReceive(t, engine, testPeerKey, textRumor(testPeerKey, 10, "same second"), "")
	mustReceive(t, engine, testPeerKey, typingRumor(testPeerKey, 10), "")
	if !engine.IsTyping(sess.ID) {
		t.Fatalf("typing at equal coarse timestamp was treated as stale")
	}
}

func TestMillisecondHintsProveStalenessAtEqualCoarse(t *testing.T) {
	engine, sess, _, _ := newTestEngine(t)

	mustReceive(t, engine, testPeerKey,
		textRumor(testPeerKey, 10, "later in the same second", []string{"ms", "10500"}), "")
	mustReceive(t, engine, testPeerKey,
		typingRumor(testPeerKey, 10, []string{"ms", "10400"}), "")
	if engine.IsTyping(sess.ID) {
		t.Fatalf("fine-grained hints prove staleness but typing was honored")
	}

	mustReceive(t, engine, testPeerKey,
		typingRumor(testPeerKey, 10, []string{"ms", "10600"}), "")
	if !engine.IsTyping(sess.ID) {
		t.Fatalf("typing with newer fine hint was suppressed")
	}
}

func TestExplicitStopAlwaysWins(t *testing.T) {
	engine, sess, _, _ := newTestEngine(t)

	mustReceive(t, engine, testPeerKey, typingRumor(testPeerKey, 20), "")
	if !engine.IsTyping(sess.ID) {
		t.Fatalf("expected typing after start")
	}

	// A stop is a start whose expiration has already elapsed. It clears
	// the flag even though its timestamp is older than the start's.
	stop := typingRumor(testPeerKey, 15, []string{"expiration", "1"})
	mustReceive(t, engine, testPeerKey, stop, "")
	if engine.IsTyping(sess.ID) {
		t.Fatalf("explicit stop did not clear typing")
	}
}

func TestTypingExpiresAtDeadline(t *testing.T) {
	engine, sess, _, _ := newTestEngine(t)

	deadline := time.Now().Add(time.Second)
	start := typingRumor(testPeerKey, time.Now().Unix(),
		[]string{"expiration", strconv.FormatInt(deadline.Unix(), 10)})
	mustReceive(t, engine, testPeerKey, start, "")
	if !engine.IsTyping(sess.ID) {
		t.Fatalf("expected typing before deadline")
	}
	waitFor(t, "typing auto-clear at expiration", func() bool {
		return !engine.IsTyping(sess.ID)
	})
}

func TestOwnTypingEchoIsIgnored(t *testing.T) {
	engine, sess, _, _ := newTestEngine(t)

	echo := typingRumor(testOwnDevice, 10, []string{"p", testPeerKey})
	mustReceive(t, engine, testOwnDevice, echo, "")
	if engine.IsTyping(sess.ID) {
		t.Fatalf("own typing echo set the peer's typing flag")
	}
}

func TestTypingChangeHookFiresOnTransitions(t *testing.T) {
	engine, sess, _, _ := newTestEngine(t)
	var transitions []bool
	engine.OnTypingChanged = func(sessionID string, isTyping bool) {
		if sessionID == sess.ID {
			transitions = append(transitions, isTyping)
		}
	}

	mustReceive(t, engine, testPeerKey, typingRumor(testPeerKey, 10), "")
	mustReceive(t, engine, testPeerKey, typingRumor(testPeerKey, 11), "") // still typing, no transition
	mustReceive(t, engine, testPeerKey, textRumor(testPeerKey, 12, "done"), "")

	if len(transitions) != 2 || transitions[0] != true || transitions[1] != false {
		t.Fatalf("expected transitions [true false], got %v", transitions)
	}
}
