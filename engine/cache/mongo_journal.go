package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoJournal 每个适配器一个文档，整体替换写入
type MongoJournal struct {
	coll *mongo.Collection
	id   string
}

type mongoJournalDoc struct {
	ID        string    `bson:"_id"`
	Payload   string    `bson:"payload"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// NewMongoJournal 创建 MongoDB journal；id 标识所属适配器
func NewMongoJournal(coll *mongo.Collection, id string) *MongoJournal {
	return &MongoJournal{coll: coll, id: id}
}

// ConnectMongo 连接 MongoDB 并返回指定集合
func ConnectMongo(ctx context.Context, uri, database, collection string) (*mongo.Client, *mongo.Collection, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, client.Database(database).Collection(collection), nil
}

// Load 读取 journal；文档不存在时返回空集合
func (j *MongoJournal) Load(ctx context.Context) (map[string]Entry, error) {
	var doc mongoJournalDoc
	err := j.coll.FindOne(ctx, bson.D{{Key: "_id", Value: j.id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return map[string]Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongo find journal %s: %w", j.id, err)
	}
	return decodeEntries([]byte(doc.Payload))
}

// Save 覆盖写入（upsert）
func (j *MongoJournal) Save(ctx context.Context, entries map[string]Entry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode journal: %w", err)
	}
	doc := mongoJournalDoc{ID: j.id, Payload: string(data), UpdatedAt: time.Now().UTC()}
	_, err = j.coll.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: j.id}},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongo replace journal %s: %w", j.id, err)
	}
	return nil
}
