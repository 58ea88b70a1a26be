// Package store implements the local persistence adapter for messages,
// conversations, chat configuration, and contacts. spec.md treats this as
// an external collaborator and names only the operations the core calls
// against it; this package supplies one concrete implementation so the
// runtime is runnable end to end.
//
// Grounded on the teacher's server/internal/db package: GORM opened over
// the pure-Go modernc sqlite driver (no CGO), and the AES-256-GCM
// EncryptedString column type (db/encrypt.go) adapted for sensitive
// chat_config fields — its key is now derived per identity (see
// InitEncryption) rather than supplied as a raw 32-byte secret, the same
// Argon2id-over-seed shape internal/identity uses for the credential file.
// Unlike server/internal/db, schema application here
// uses GORM's AutoMigrate against a table name computed at runtime
// (db.Table(name).AutoMigrate(...)) rather than golang-migrate's embedded
// SQL files: every one of this package's four tables is suffixed with the
// per-identity MD5 hash, so there is no fixed table name a static migration
// file could target. golang-migrate is reused instead in internal/monitoring,
// whose single metrics table has a fixed, agent-independent name.
package store

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"

	_ "modernc.org/sqlite"
)

// TableSuffix returns the MD5 hex digest of agentID, per spec §6's
// table-naming rule. MD5 here is a non-cryptographic naming hash, not a
// security boundary, so the stdlib's deprecated-for-security-use
// implementation is the correct and only choice.
func TableSuffix(agentID string) string {
	sum := md5.Sum([]byte(agentID))
	return hex.EncodeToString(sum[:])
}

// Message is one row of messages_<h>, per spec §6's persistence schema.
type Message struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	MessageID       string `gorm:"index"`
	SessionID       string `gorm:"index"`
	Role            string
	MessageAID      string
	ParentMessageID string
	ToAIDs          string
	Content         string // JSON-encoded content-block array; appended to in place
	Instruction     string
	Type            string
	Status          string
	Timestamp       int64 `gorm:"index"`
}

// Conversation is one row of conversation_<h>.
type Conversation struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	SessionID       string `gorm:"uniqueIndex"`
	IdentifyingCode string
	MainAID         string
	Name            string
	Type            string
	Timestamp       int64
}

// ChatConfig is one row of chat_config_<h> — per-session settings,
// including any sensitive token fields at-rest encrypted via
// EncryptedString.
type ChatConfig struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"uniqueIndex"`
	Key       string
	Value     EncryptedString
}

// Friend is one row of friend_<h> — a known contact agent id.
type Friend struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	AgentID   string `gorm:"uniqueIndex"`
	Name      string
	Timestamp int64
}

// Store is the five core operations spec.md names plus AppendMessageContent
// (dispatch Stage B's "append to existing row's content array" rule).
type Store interface {
	InsertMessage(ctx context.Context, msg *Message) error
	UpdateMessage(ctx context.Context, msg *Message) error
	GetMessageByID(ctx context.Context, messageID string) (*Message, error)
	AppendMessageContent(ctx context.Context, messageID string, chunk string) error
	CreateSessionRow(ctx context.Context, conv *Conversation) error
	LoadSessionHistory(ctx context.Context, sessionID string, limit int) ([]Message, error)
	Close() error
}

// SQLStore is the GORM + modernc-sqlite Store implementation. Tables are
// named <name>_<h> where h is TableSuffix(agentID), so every identity owns
// a disjoint table set within one database file.
type SQLStore struct {
	db     *gorm.DB
	suffix string
	logger *zap.Logger
}

// Open creates (or reuses) the sqlite file at path, derives this identity's
// ChatConfig encryption key from seed (see InitEncryption), applies
// migrations, and returns a Store scoped to agentID's table suffix.
func Open(path, agentID, seed string, logger *zap.Logger) (*SQLStore, error) {
	if err := InitEncryption(seed, agentID); err != nil {
		return nil, fmt.Errorf("store: init encryption: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	db, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("store: gorm open: %w", err)
	}

	suffix := TableSuffix(agentID)
	s := &SQLStore{db: db, suffix: suffix, logger: logger.Named("store")}
	if err := s.autoMigrateTables(); err != nil {
		return nil, fmt.Errorf("store: create identity tables: %w", err)
	}
	return s, nil
}

func (s *SQLStore) autoMigrateTables() error {
	if err := s.db.Table(s.messagesTable()).AutoMigrate(&Message{}); err != nil {
		return fmt.Errorf("messages table: %w", err)
	}
	if err := s.db.Table(s.conversationTable()).AutoMigrate(&Conversation{}); err != nil {
		return fmt.Errorf("conversation table: %w", err)
	}
	if err := s.db.Table(s.chatConfigTable()).AutoMigrate(&ChatConfig{}); err != nil {
		return fmt.Errorf("chat_config table: %w", err)
	}
	if err := s.db.Table(s.friendTable()).AutoMigrate(&Friend{}); err != nil {
		return fmt.Errorf("friend table: %w", err)
	}
	return nil
}

func (s *SQLStore) messagesTable() string     { return "messages_" + s.suffix }
func (s *SQLStore) conversationTable() string { return "conversation_" + s.suffix }
func (s *SQLStore) chatConfigTable() string   { return "chat_config_" + s.suffix }
func (s *SQLStore) friendTable() string       { return "friend_" + s.suffix }

// InsertMessage inserts a new row.
func (s *SQLStore) InsertMessage(ctx context.Context, msg *Message) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	return s.db.WithContext(ctx).Table(s.messagesTable()).Create(msg).Error
}

// UpdateMessage overwrites an existing row matched by MessageID.
func (s *SQLStore) UpdateMessage(ctx context.Context, msg *Message) error {
	return s.db.WithContext(ctx).Table(s.messagesTable()).
		Where("message_id = ?", msg.MessageID).Updates(msg).Error
}

// GetMessageByID fetches one row by MessageID.
func (s *SQLStore) GetMessageByID(ctx context.Context, messageID string) (*Message, error) {
	var msg Message
	err := s.db.WithContext(ctx).Table(s.messagesTable()).
		Where("message_id = ?", messageID).First(&msg).Error
	if err != nil {
		return nil, fmt.Errorf("store: get message %s: %w", messageID, err)
	}
	return &msg, nil
}

// AppendMessageContent appends chunk to an existing row's Content column,
// per dispatch Stage B's streaming-append rule.
func (s *SQLStore) AppendMessageContent(ctx context.Context, messageID string, chunk string) error {
	return s.db.WithContext(ctx).Table(s.messagesTable()).
		Where("message_id = ?", messageID).
		UpdateColumn("content", gorm.Expr("content || ?", chunk)).Error
}

// CreateSessionRow inserts a conversation row.
func (s *SQLStore) CreateSessionRow(ctx context.Context, conv *Conversation) error {
	if conv.Timestamp == 0 {
		conv.Timestamp = time.Now().UnixMilli()
	}
	return s.db.WithContext(ctx).Table(s.conversationTable()).Create(conv).Error
}

// LoadSessionHistory returns up to limit messages for sessionID, most
// recent first.
func (s *SQLStore) LoadSessionHistory(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	var msgs []Message
	q := s.db.WithContext(ctx).Table(s.messagesTable()).
		Where("session_id = ?", sessionID).Order("timestamp desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("store: load history for %s: %w", sessionID, err)
	}
	return msgs, nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
