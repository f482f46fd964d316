package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	gomysql "github.com/go-sql-driver/mysql"

	"ChainPilot/internal/chat"
	xerrors "ChainPilot/internal/errors"
)

const errDuplicateEntry = 1062

// ChatStore 使用 MySQL 保存会话、消息与流登记。
type ChatStore struct {
	db *sql.DB
}

// NewChatStore 创建连接池，按需执行迁移。
func NewChatStore(ctx context.Context, cfg Config) (*ChatStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 MySQL 失败")
	}
	if cfg.Migrate {
		if err := runMigrations(ctx, db); err != nil {
			db.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行数据库迁移失败")
		}
	}
	return &ChatStore{db: db}, nil
}

// NewChatStoreWithDB 使用已有连接池创建存储。
func NewChatStoreWithDB(db *sql.DB) *ChatStore {
	return &ChatStore{db: db}
}

// GetChat 实现 chat.Store 接口。
func (s *ChatStore) GetChat(ctx context.Context, id string) (*chat.Chat, error) {
	const query = `SELECT id, user_id, title, visibility, created_at FROM chats WHERE id = ?`
	var (
		c         chat.Chat
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.UserID, &c.Title, &c.Visibility, &createdAt)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, chat.ErrChatNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话失败")
	}
	c.CreatedAt = time.UnixMilli(createdAt)
	return &c, nil
}

// CreateChat 实现 chat.Store 接口。
func (s *ChatStore) CreateChat(ctx context.Context, c *chat.Chat) error {
	if c == nil || strings.TrimSpace(c.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.Visibility == "" {
		c.Visibility = chat.VisibilityPrivate
	}
	const stmt = `INSERT INTO chats (id, user_id, title, visibility, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, c.ID, c.UserID, c.Title, string(c.Visibility), c.CreatedAt.UnixMilli())
	if err != nil {
		if isDuplicate(err) {
			return xerrors.New(xerrors.CodeConflict, "会话已存在", xerrors.WithMetadata("chat_id", c.ID))
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建会话失败")
	}
	return nil
}

// UpdateChatTitle 实现 chat.Store 接口。
func (s *ChatStore) UpdateChatTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE chats SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新会话标题失败")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// MySQL 对值未变化的更新同样返回 0，需要确认会话是否存在。
		if _, err := s.GetChat(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ListMessages 实现 chat.Store 接口，按创建时间升序返回。
func (s *ChatStore) ListMessages(ctx context.Context, chatID string) ([]chat.Message, error) {
	const query = `SELECT id, chat_id, role, parts, metadata, created_at
    FROM messages WHERE chat_id = ? ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询消息失败")
	}
	defer rows.Close()

	var msgs []chat.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历消息失败")
	}
	return msgs, nil
}

// GetMessage 实现 chat.Store 接口。
func (s *ChatStore) GetMessage(ctx context.Context, id string) (*chat.Message, error) {
	const query = `SELECT id, chat_id, role, parts, metadata, created_at FROM messages WHERE id = ?`
	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, chat.ErrMessageNotFound
		}
		return nil, err
	}
	return msg, nil
}

// InsertMessages 实现 chat.Store 接口，在一个事务中写入全部消息。
func (s *ChatStore) InsertMessages(ctx context.Context, msgs []chat.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	const stmt = `INSERT INTO messages (id, chat_id, role, parts, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	for _, msg := range msgs {
		if msg.ID == "" || msg.ChatID == "" {
			tx.Rollback()
			return xerrors.New(xerrors.CodeInvalidArgument, "消息 ID 与会话 ID 不能为空")
		}
		parts, metadata, err := encodeMessage(msg)
		if err != nil {
			tx.Rollback()
			return err
		}
		createdAt := msg.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		if _, err := tx.ExecContext(ctx, stmt, msg.ID, msg.ChatID, string(msg.Role), parts, metadata, createdAt.UnixMilli()); err != nil {
			tx.Rollback()
			if isDuplicate(err) {
				return chat.ErrMessageConflict
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入消息失败")
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交消息失败")
	}
	return nil
}

// UpdateMessageParts 实现 chat.Store 接口。
func (s *ChatStore) UpdateMessageParts(ctx context.Context, id string, parts chat.Parts) error {
	encoded, err := json.Marshal(parts)
	if err != nil {
		return xerrors.Wrap(chat.CodeInvalidPart, err, "编码消息片段失败")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET parts = ? WHERE id = ?`, encoded, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新消息失败")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if _, err := s.GetMessage(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// CountUserMessages 实现 chat.Store 接口。
func (s *ChatStore) CountUserMessages(ctx context.Context, userID string, since time.Time) (int, error) {
	const query = `SELECT COUNT(*) FROM messages m JOIN chats c ON c.id = m.chat_id
    WHERE c.user_id = ? AND m.role = 'user' AND m.created_at >= ?`
	var count int
	if err := s.db.QueryRowContext(ctx, query, userID, since.UnixMilli()).Scan(&count); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计消息失败")
	}
	return count, nil
}

// AppendStreamID 实现 chat.RegistryStore 接口。
func (s *ChatStore) AppendStreamID(ctx context.Context, chatID, streamID string) error {
	const stmt = `INSERT INTO stream_registrations (chat_id, stream_id, created_at) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt, chatID, streamID, time.Now().UnixMilli()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "登记流失败")
	}
	return nil
}

// ListStreamIDs 实现 chat.RegistryStore 接口，按登记顺序返回。
func (s *ChatStore) ListStreamIDs(ctx context.Context, chatID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stream_id FROM stream_registrations WHERE chat_id = ? ORDER BY id ASC`, chatID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询流登记失败")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析流登记失败")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历流登记失败")
	}
	return ids, nil
}

// Close 关闭底层数据库连接。
func (s *ChatStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*chat.Message, error) {
	var (
		msg       chat.Message
		role      string
		parts     []byte
		metadata  []byte
		createdAt int64
	)
	if err := row.Scan(&msg.ID, &msg.ChatID, &role, &parts, &metadata, &createdAt); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析消息失败")
	}
	msg.Role = chat.Role(role)
	msg.CreatedAt = time.UnixMilli(createdAt)
	if err := json.Unmarshal(parts, &msg.Parts); err != nil {
		return nil, xerrors.Wrap(chat.CodeInvalidPart, err, "解析消息片段失败",
			xerrors.WithMetadata("message_id", msg.ID))
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析消息元数据失败")
		}
	}
	return &msg, nil
}

func encodeMessage(msg chat.Message) (parts []byte, metadata any, err error) {
	if msg.Parts == nil {
		msg.Parts = chat.Parts{}
	}
	parts, err = json.Marshal(msg.Parts)
	if err != nil {
		return nil, nil, xerrors.Wrap(chat.CodeInvalidPart, err, "编码消息片段失败")
	}
	if len(msg.Metadata) > 0 {
		encoded, err := json.Marshal(msg.Metadata)
		if err != nil {
			return nil, nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码消息元数据失败")
		}
		metadata = encoded
	}
	return parts, metadata, nil
}

func isDuplicate(err error) bool {
	var mysqlErr *gomysql.MySQLError
	return stdErrors.As(err, &mysqlErr) && mysqlErr.Number == errDuplicateEntry
}

var (
	_ chat.Store         = (*ChatStore)(nil)
	_ chat.RegistryStore = (*ChatStore)(nil)
)
