package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/ptr"
)

// SQLStore is the reference Persistence implementation over SQLite.
type SQLStore struct {
	db  *dbutil.Database
	log zerolog.Logger
}

var _ Persistence = (*SQLStore)(nil)

func NewSQLStore(db *dbutil.Database, log zerolog.Logger) *SQLStore {
	return &SQLStore{db: db, log: log.With().Str("component", "sqlstore").Logger()}
}

// EnsureSchema creates the tables and runs in-place migrations. SQLite
// has no ALTER ... IF NOT EXISTS, so column additions are guarded by
// pragma_table_info probes.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id           TEXT PRIMARY KEY,
			peer_key             TEXT NOT NULL UNIQUE,
			device_keys_json     TEXT,
			created_ts           BIGINT NOT NULL,
			last_message_ts      BIGINT NOT NULL DEFAULT 0,
			last_message_preview TEXT NOT NULL DEFAULT '',
			unread               INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id   TEXT PRIMARY KEY,
			session_id   TEXT NOT NULL REFERENCES sessions(session_id),
			rumor_id     TEXT NOT NULL,
			event_id     TEXT NOT NULL DEFAULT '',
			text         TEXT NOT NULL,
			timestamp    BIGINT NOT NULL,
			timestamp_ms BIGINT NOT NULL DEFAULT 0,
			is_from_me   BOOLEAN NOT NULL,
			status       TEXT NOT NULL,
			reply_to     TEXT NOT NULL DEFAULT '',
			UNIQUE (session_id, rumor_id)
		)`,
		`CREATE INDEX IF NOT EXISTS messages_session_ts_idx
			ON messages (session_id, timestamp, message_id)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure message store schema: %w", err)
		}
	}

	// Migration: reactions_json was added after the initial schema.
	var hasReactions int
	_ = s.db.QueryRow(ctx, `SELECT COUNT(*) FROM pragma_table_info('messages') WHERE name='reactions_json'`).Scan(&hasReactions)
	if hasReactions == 0 {
		if _, err := s.db.Exec(ctx, `ALTER TABLE messages ADD COLUMN reactions_json TEXT`); err != nil {
			return fmt.Errorf("failed to add reactions_json column: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) SaveSession(ctx context.Context, sess *Session) error {
	var deviceKeysJSON *string
	if len(sess.DeviceKeys) > 0 {
		encoded, err := json.Marshal(sess.DeviceKeys)
		if err != nil {
			return fmt.Errorf("encode device keys: %w", err)
		}
		deviceKeysJSON = ptr.Ptr(string(encoded))
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO sessions (session_id, peer_key, device_keys_json, created_ts, last_message_ts, last_message_preview, unread)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			device_keys_json = excluded.device_keys_json,
			last_message_ts = excluded.last_message_ts,
			last_message_preview = excluded.last_message_preview,
			unread = excluded.unread`,
		sess.ID, sess.PeerKey, deviceKeysJSON, sess.CreatedAt.Unix(),
		sess.LastMessageTS, sess.LastMessagePreview, sess.Unread,
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *SQLStore) SaveMessage(ctx context.Context, msg *Message) error {
	var reactionsJSON *string
	if len(msg.Reactions) > 0 {
		encoded, err := json.Marshal(msg.Reactions)
		if err != nil {
			return fmt.Errorf("encode reactions: %w", err)
		}
		reactionsJSON = ptr.Ptr(string(encoded))
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO messages (message_id, session_id, rumor_id, event_id, text, timestamp, timestamp_ms, is_from_me, status, reply_to, reactions_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (message_id) DO UPDATE SET
			event_id = excluded.event_id,
			status = excluded.status,
			reactions_json = excluded.reactions_json`,
		msg.ID, msg.SessionID, msg.RumorID, msg.EventID, msg.Text,
		msg.Timestamp, msg.TimestampMS, msg.IsFromMe, string(msg.Status),
		msg.ReplyTo, reactionsJSON,
	)
	if err != nil {
		return fmt.Errorf("save message %s: %w", msg.ID, err)
	}
	return nil
}

func (s *SQLStore) UpdateMessageStatus(ctx context.Context, messageID string, status MessageStatus, eventID string) error {
	var err error
	if eventID != "" {
		_, err = s.db.Exec(ctx,
			`UPDATE messages SET status = ?, event_id = ? WHERE message_id = ?`,
			string(status), eventID, messageID)
	} else {
		_, err = s.db.Exec(ctx,
			`UPDATE messages SET status = ? WHERE message_id = ?`,
			string(status), messageID)
	}
	if err != nil {
		return fmt.Errorf("update status of message %s: %w", messageID, err)
	}
	return nil
}

func (s *SQLStore) UpdateMessageStatusByRumorID(ctx context.Context, rumorID string, status MessageStatus) error {
	_, err := s.db.Exec(ctx,
		`UPDATE messages SET status = ? WHERE rumor_id = ?`,
		string(status), rumorID)
	if err != nil {
		return fmt.Errorf("update status of rumor %s: %w", rumorID, err)
	}
	return nil
}

const messageColumns = `message_id, session_id, rumor_id, event_id, text, timestamp, timestamp_ms, is_from_me, status, reply_to, reactions_json`

// LoadMessages returns up to limit messages for a session in ascending
// timestamp order. With a beforeID anchor, only messages at or before the
// anchor's timestamp (excluding the anchor itself) are returned; near-tie
// overlap is harmless because callers merge by identifier.
func (s *SQLStore) LoadMessages(ctx context.Context, sessionID, beforeID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE session_id = ?
		ORDER BY timestamp DESC, timestamp_ms DESC, message_id DESC LIMIT ?`
	args := []any{sessionID, limit}

	if beforeID != "" {
		var anchorTS int64
		err := s.db.QueryRow(ctx,
			`SELECT timestamp FROM messages WHERE message_id = ?`, beforeID,
		).Scan(&anchorTS)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		} else if err != nil {
			return nil, fmt.Errorf("resolve pagination anchor %s: %w", beforeID, err)
		}
		query = `SELECT ` + messageColumns + ` FROM messages
			WHERE session_id = ? AND timestamp <= ? AND message_id != ?
			ORDER BY timestamp DESC, timestamp_ms DESC, message_id DESC LIMIT ?`
		args = []any{sessionID, anchorTS, beforeID, limit}
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load messages for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load messages for session %s: %w", sessionID, err)
	}

	// Query returns newest-first for the LIMIT; callers want ascending.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *SQLStore) LoadSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.Query(ctx,
		`SELECT session_id, peer_key, device_keys_json, created_ts, last_message_ts, last_message_preview, unread
		FROM sessions ORDER BY last_message_ts DESC`)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var sess Session
		var deviceKeysJSON *string
		var createdTS int64
		if err := rows.Scan(&sess.ID, &sess.PeerKey, &deviceKeysJSON, &createdTS,
			&sess.LastMessageTS, &sess.LastMessagePreview, &sess.Unread); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sess.CreatedAt = time.Unix(createdTS, 0)
		if raw := ptr.Val(deviceKeysJSON); raw != "" {
			if err := json.Unmarshal([]byte(raw), &sess.DeviceKeys); err != nil {
				s.log.Warn().Err(err).Str("session_id", sess.ID).Msg("Ignoring corrupt device key list")
			}
		}
		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	return sessions, nil
}

func scanMessage(row dbutil.Scannable) (*Message, error) {
	var msg Message
	var status string
	var reactionsJSON *string
	if err := row.Scan(&msg.ID, &msg.SessionID, &msg.RumorID, &msg.EventID, &msg.Text,
		&msg.Timestamp, &msg.TimestampMS, &msg.IsFromMe, &status, &msg.ReplyTo, &reactionsJSON); err != nil {
		return nil, fmt.Errorf("scan message row: %w", err)
	}
	msg.Status = MessageStatus(status)
	if raw := ptr.Val(reactionsJSON); raw != "" {
		if err := json.Unmarshal([]byte(raw), &msg.Reactions); err != nil {
			return nil, fmt.Errorf("decode reactions of message %s: %w", msg.ID, err)
		}
	}
	return &msg, nil
}
