package ledger

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"sudooom.im.convstate/internal/config"
	"sudooom.im.convstate/internal/model"
)

const (
	messagesCollection   = "messages"
	readStatesCollection = "read_states"
	countersCollection   = "counters"
)

// readState 用户在会话中的已读位置
type readState struct {
	UserId         int64     `bson:"userId"`
	ConversationId string    `bson:"conversationId"`
	LastReadMsgId  int64     `bson:"lastReadMsgId"`
	ReadAt         time.Time `bson:"readAt"`
}

// Mongo MongoDB 账本
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
}

// ConnectMongo 连接 MongoDB 并校验连通性
func ConnectMongo(ctx context.Context, cfg config.MongoConfig) (*Mongo, error) {
	if cfg.Database == "" {
		return nil, errors.New("mongo database name required")
	}

	clientOpts := options.Client().ApplyURI(cfg.URI)
	if cfg.MaxPoolSize > 0 {
		clientOpts.SetMaxPoolSize(cfg.MaxPoolSize)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOpts)
	if err != nil {
		return nil, err
	}

	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, err
	}

	return &Mongo{
		client: client,
		db:     client.Database(cfg.Database),
	}, nil
}

// EnsureIndexes 创建查询所需索引
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := m.db.Collection(messagesCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "conversationId", Value: 1},
			{Key: "createdAt", Value: -1},
			{Key: "_id", Value: -1},
		},
	})
	if err != nil {
		return err
	}

	_, err = m.db.Collection(readStatesCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "userId", Value: 1},
			{Key: "conversationId", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// Ping 检查连接
func (m *Mongo) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return m.client.Ping(pingCtx, nil)
}

// Close 断开连接
func (m *Mongo) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = m.client.Disconnect(ctx)
}

// AppendMessage 写入一条消息，消息 ID 由 counters 集合自增生成
func (m *Mongo) AppendMessage(ctx context.Context, msg Message) (int64, error) {
	var seq struct {
		Value int64 `bson:"value"`
	}
	err := m.db.Collection(countersCollection).FindOneAndUpdate(ctx,
		bson.M{"_id": messagesCollection},
		bson.M{"$inc": bson.M{"value": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&seq)
	if err != nil {
		return 0, err
	}

	msg.Id = seq.Value
	if msg.Status == 0 {
		msg.Status = MessageStatusNormal
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	if _, err := m.db.Collection(messagesCollection).InsertOne(ctx, msg); err != nil {
		return 0, err
	}
	return msg.Id, nil
}

// CalculateUnreadCount 计算单个会话未读数
func (m *Mongo) CalculateUnreadCount(ctx context.Context, userId int64, convId string) (int64, error) {
	counts, err := m.BatchCalculateUnreadCount(ctx, userId, []string{convId})
	if err != nil {
		return 0, err
	}
	return counts[convId], nil
}

// BatchCalculateUnreadCount 先取已读位置，再用一次聚合按会话计数
func (m *Mongo) BatchCalculateUnreadCount(ctx context.Context, userId int64, convIds []string) (map[string]int64, error) {
	convIds = dedupe(convIds)
	counts := make(map[string]int64, len(convIds))
	if len(convIds) == 0 {
		return counts, nil
	}

	lastRead, err := m.readPositions(ctx, userId, convIds)
	if err != nil {
		return nil, err
	}

	or := make(bson.A, 0, len(convIds))
	for _, id := range convIds {
		or = append(or, bson.M{
			"conversationId": id,
			"_id":            bson.M{"$gt": lastRead[id]},
		})
	}

	matchStage := bson.D{{Key: "$match", Value: bson.D{
		{Key: "$or", Value: or},
		{Key: "fromUserId", Value: bson.M{"$ne": userId}},
		{Key: "status", Value: bson.M{"$ne": MessageStatusRecalled}},
	}}}
	groupStage := bson.D{{Key: "$group", Value: bson.D{
		{Key: "_id", Value: "$conversationId"},
		{Key: "count", Value: bson.M{"$sum": 1}},
	}}}

	cursor, err := m.db.Collection(messagesCollection).Aggregate(ctx, mongo.Pipeline{matchStage, groupStage})
	if err != nil {
		return nil, err
	}

	var rows []struct {
		ConversationId string `bson:"_id"`
		Count          int64  `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}
	for _, row := range rows {
		counts[row.ConversationId] = row.Count
	}

	return fillZero(counts, convIds), nil
}

func (m *Mongo) readPositions(ctx context.Context, userId int64, convIds []string) (map[string]int64, error) {
	filter := bson.M{
		"userId":         userId,
		"conversationId": bson.M{"$in": convIds},
	}
	cursor, err := m.db.Collection(readStatesCollection).Find(ctx, filter)
	if err != nil {
		return nil, err
	}

	var states []readState
	if err := cursor.All(ctx, &states); err != nil {
		return nil, err
	}

	positions := make(map[string]int64, len(states))
	for _, s := range states {
		positions[s.ConversationId] = s.LastReadMsgId
	}
	return positions, nil
}

// GetLastMessage 查询会话最后一条消息
func (m *Mongo) GetLastMessage(ctx context.Context, convId string) (*model.MessagePreview, error) {
	filter := bson.M{
		"conversationId": convId,
		"status":         bson.M{"$ne": MessageStatusRecalled},
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}})

	var msg Message
	err := m.db.Collection(messagesCollection).FindOne(ctx, filter, opts).Decode(&msg)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}

	preview := toPreview(msg)
	return &preview, nil
}

// BatchGetLastMessage 按会话分组取最新消息
func (m *Mongo) BatchGetLastMessage(ctx context.Context, convIds []string) (map[string]model.MessagePreview, error) {
	convIds = dedupe(convIds)
	previews := make(map[string]model.MessagePreview, len(convIds))
	if len(convIds) == 0 {
		return previews, nil
	}

	matchStage := bson.D{{Key: "$match", Value: bson.D{
		{Key: "conversationId", Value: bson.M{"$in": convIds}},
		{Key: "status", Value: bson.M{"$ne": MessageStatusRecalled}},
	}}}
	sortStage := bson.D{{Key: "$sort", Value: bson.D{
		{Key: "conversationId", Value: 1},
		{Key: "createdAt", Value: -1},
		{Key: "_id", Value: -1},
	}}}
	groupStage := bson.D{{Key: "$group", Value: bson.D{
		{Key: "_id", Value: "$conversationId"},
		{Key: "last", Value: bson.M{"$first": "$$ROOT"}},
	}}}

	cursor, err := m.db.Collection(messagesCollection).Aggregate(ctx, mongo.Pipeline{matchStage, sortStage, groupStage})
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Last Message `bson:"last"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}
	for _, row := range rows {
		previews[row.Last.ConversationId] = toPreview(row.Last)
	}

	return previews, nil
}

// MarkRead 更新已读位置，$max 保证只前进不后退
// lastReadMsgId <= 0 时读到会话当前最新消息
func (m *Mongo) MarkRead(ctx context.Context, userId int64, convId string, lastReadMsgId int64, readAt time.Time) error {
	if lastReadMsgId <= 0 {
		opts := options.FindOne().SetSort(bson.D{{Key: "_id", Value: -1}})
		var latest Message
		err := m.db.Collection(messagesCollection).FindOne(ctx, bson.M{"conversationId": convId}, opts).Decode(&latest)
		if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
			return err
		}
		lastReadMsgId = latest.Id
	}

	filter := bson.M{"userId": userId, "conversationId": convId}
	update := bson.M{
		"$max": bson.M{
			"lastReadMsgId": lastReadMsgId,
			"readAt":        readAt,
		},
	}
	_, err := m.db.Collection(readStatesCollection).UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}
