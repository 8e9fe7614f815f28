package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sudooom.im.convstate/internal/config"
	"sudooom.im.convstate/internal/model"
)

// PostgresSchema 账本表结构
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id              BIGSERIAL PRIMARY KEY,
	conversation_id VARCHAR(64) NOT NULL,
	from_user_id    BIGINT      NOT NULL,
	content         TEXT        NOT NULL DEFAULT '',
	status          SMALLINT    NOT NULL DEFAULT 1,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_messages_conv_created ON messages (conversation_id, created_at DESC, id DESC);

CREATE TABLE IF NOT EXISTS conversation_reads (
	user_id          BIGINT      NOT NULL,
	conversation_id  VARCHAR(64) NOT NULL,
	last_read_msg_id BIGINT      NOT NULL DEFAULT 0,
	read_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, conversation_id)
);
`

// Postgres PostgreSQL 账本
type Postgres struct {
	db *pgxpool.Pool
}

// NewPostgres 创建 PostgreSQL 账本，连接池由调用方创建
func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

// ConnectPostgres 连接 PostgreSQL
func ConnectPostgres(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, err
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = 10 * time.Minute

	return pgxpool.NewWithConfig(ctx, poolConfig)
}

// Migrate 建表
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.Exec(ctx, PostgresSchema)
	return err
}

// Ping 检查数据库连接
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// Close 关闭连接池
func (p *Postgres) Close() {
	p.db.Close()
}

// AppendMessage 写入一条消息，返回消息 ID
func (p *Postgres) AppendMessage(ctx context.Context, msg Message) (int64, error) {
	query := `
		INSERT INTO messages (conversation_id, from_user_id, content, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	if msg.Status == 0 {
		msg.Status = MessageStatusNormal
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	var id int64
	err := p.db.QueryRow(ctx, query,
		msg.ConversationId,
		msg.FromUserId,
		msg.Content,
		msg.Status,
		msg.CreatedAt,
	).Scan(&id)

	return id, err
}

// unreadQuery 已读位置之后、非本人发送、未撤回的消息数
const unreadQuery = `
	SELECT m.conversation_id, COUNT(*)
	FROM messages m
	LEFT JOIN conversation_reads r
		ON r.user_id = $1 AND r.conversation_id = m.conversation_id
	WHERE m.conversation_id = ANY($2)
		AND m.from_user_id <> $1
		AND m.status <> $3
		AND m.id > COALESCE(r.last_read_msg_id, 0)
	GROUP BY m.conversation_id
`

// CalculateUnreadCount 计算单个会话未读数
func (p *Postgres) CalculateUnreadCount(ctx context.Context, userId int64, convId string) (int64, error) {
	counts, err := p.BatchCalculateUnreadCount(ctx, userId, []string{convId})
	if err != nil {
		return 0, err
	}
	return counts[convId], nil
}

// BatchCalculateUnreadCount 批量计算未读数，一次查询
func (p *Postgres) BatchCalculateUnreadCount(ctx context.Context, userId int64, convIds []string) (map[string]int64, error) {
	convIds = dedupe(convIds)
	counts := make(map[string]int64, len(convIds))
	if len(convIds) == 0 {
		return counts, nil
	}

	rows, err := p.db.Query(ctx, unreadQuery, userId, convIds, MessageStatusRecalled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var convId string
		var count int64
		if err := rows.Scan(&convId, &count); err != nil {
			return nil, err
		}
		counts[convId] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return fillZero(counts, convIds), nil
}

// lastMessageQuery 每个会话最新的一条未撤回消息
const lastMessageQuery = `
	SELECT DISTINCT ON (conversation_id) id, conversation_id, from_user_id, content, status, created_at
	FROM messages
	WHERE conversation_id = ANY($1) AND status <> $2
	ORDER BY conversation_id, created_at DESC, id DESC
`

// GetLastMessage 查询会话最后一条消息
func (p *Postgres) GetLastMessage(ctx context.Context, convId string) (*model.MessagePreview, error) {
	previews, err := p.BatchGetLastMessage(ctx, []string{convId})
	if err != nil {
		return nil, err
	}
	preview, ok := previews[convId]
	if !ok {
		return nil, nil
	}
	return &preview, nil
}

// BatchGetLastMessage 批量查询最后一条消息，无消息的会话不出现在结果中
func (p *Postgres) BatchGetLastMessage(ctx context.Context, convIds []string) (map[string]model.MessagePreview, error) {
	convIds = dedupe(convIds)
	previews := make(map[string]model.MessagePreview, len(convIds))
	if len(convIds) == 0 {
		return previews, nil
	}

	rows, err := p.db.Query(ctx, lastMessageQuery, convIds, MessageStatusRecalled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var msg Message
		if err := rows.Scan(
			&msg.Id,
			&msg.ConversationId,
			&msg.FromUserId,
			&msg.Content,
			&msg.Status,
			&msg.CreatedAt,
		); err != nil {
			return nil, err
		}
		previews[msg.ConversationId] = toPreview(msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return previews, nil
}

// MarkRead 更新已读位置，只前进不后退
// lastReadMsgId <= 0 时读到会话当前最新消息
func (p *Postgres) MarkRead(ctx context.Context, userId int64, convId string, lastReadMsgId int64, readAt time.Time) error {
	if lastReadMsgId <= 0 {
		err := p.db.QueryRow(ctx,
			`SELECT COALESCE(MAX(id), 0) FROM messages WHERE conversation_id = $1`,
			convId,
		).Scan(&lastReadMsgId)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
	}

	query := `
		INSERT INTO conversation_reads (user_id, conversation_id, last_read_msg_id, read_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, conversation_id) DO UPDATE SET
			last_read_msg_id = GREATEST(conversation_reads.last_read_msg_id, EXCLUDED.last_read_msg_id),
			read_at = GREATEST(conversation_reads.read_at, EXCLUDED.read_at)
	`
	_, err := p.db.Exec(ctx, query, userId, convId, lastReadMsgId, readAt)
	return err
}
