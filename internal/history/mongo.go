package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/config"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/constants"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/model"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/util"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

const backendMongo = "mongo"

// MongoStore persists history in three collections: sessions, messages and
// per-session sequence counters.
type MongoStore struct {
	client   *mongo.Client
	sessions *mongo.Collection
	messages *mongo.Collection
	counters *mongo.Collection
	logger   *zap.SugaredLogger
	retry    retryConfig
}

// counterDocument holds the last seq handed out for a session
type counterDocument struct {
	ID  string `bson:"_id"`
	Seq int64  `bson:"seq"`
}

// NewMongoStore connects to MongoDB, verifies the connection and ensures indexes.
func NewMongoStore(ctx context.Context, cfg config.MongoConfig, logger *zap.SugaredLogger) (*MongoStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	retry := defaultRetryConfig
	if cfg.RetryAttempts > 0 {
		retry.maxAttempts = cfg.RetryAttempts
	}
	if cfg.RetryDelay > 0 {
		retry.initialDelay = cfg.RetryDelay
	}
	if cfg.RetryMaxDelay > 0 {
		retry.maxDelay = cfg.RetryMaxDelay
	}

	s := newMongoStore(client, cfg.Database, logger, retry)
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func newMongoStore(client *mongo.Client, database string, logger *zap.SugaredLogger, retry retryConfig) *MongoStore {
	db := client.Database(database)
	return &MongoStore{
		client:   client,
		sessions: db.Collection(constants.CollectionSessions),
		messages: db.Collection(constants.CollectionMessages),
		counters: db.Collection(constants.CollectionCounters),
		logger:   logger.Named("mongo"),
		retry:    retry,
	}
}

// EnsureIndexes creates the unique (sid, seq) index that backs LoadSince and
// the updated-at index used for admin listings.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, constants.MongoIndexTimeout)
	defer cancel()

	_, err := s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: constants.MongoFieldSessionID, Value: 1},
			{Key: constants.MongoFieldSeq, Value: 1},
		},
		Options: options.Index().SetName(constants.IndexSessionSeq).SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create message index: %w", err)
	}

	_, err = s.sessions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: constants.MongoFieldUpdatedAt, Value: -1}},
		Options: options.Index().SetName(constants.IndexUpdatedAt),
	})
	if err != nil {
		return fmt.Errorf("failed to create session index: %w", err)
	}

	s.logger.Infow("MongoDB indexes created successfully",
		"indexes", []string{constants.IndexSessionSeq, constants.IndexUpdatedAt})
	return nil
}

func (s *MongoStore) CreateSessionIfAbsent(ctx context.Context, sess *model.ChatSession) (*model.ChatSession, bool, error) {
	defer observe(backendMongo, "create_session")()
	if sess == nil {
		return nil, false, ErrInvalidSession
	}
	if err := validateSessionID(sess.SessionID); err != nil {
		return nil, false, err
	}

	var res *mongo.UpdateResult
	err := retryOperation(ctx, s.retry, s.logger, "CreateSessionIfAbsent", func() error {
		var err error
		res, err = s.sessions.UpdateOne(ctx,
			bson.M{constants.MongoFieldID: sess.SessionID},
			bson.M{"$setOnInsert": bson.M{
				constants.MongoFieldUserID:    sess.UserID,
				constants.MongoFieldUserName:  sess.UserName,
				constants.MongoFieldStatus:    sess.Status,
				constants.MongoFieldCreatedAt: sess.CreatedAt,
				constants.MongoFieldUpdatedAt: sess.UpdatedAt,
			}},
			options.Update().SetUpsert(true))
		return err
	})
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return nil, false, fmt.Errorf("failed to create session: %w", err)
	}
	if err == nil && res.UpsertedCount == 1 {
		return cloneSession(sess), true, nil
	}

	existing, err := s.GetSession(ctx, sess.SessionID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *MongoStore) GetSession(ctx context.Context, sessionID string) (*model.ChatSession, error) {
	defer observe(backendMongo, "get_session")()

	var sess model.ChatSession
	err := retryOperation(ctx, s.retry, s.logger, "GetSession", func() error {
		return s.sessions.FindOne(ctx, bson.M{constants.MongoFieldID: sessionID}).Decode(&sess)
	})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &sess, nil
}

func (s *MongoStore) ListSessions(ctx context.Context) ([]*model.ChatSession, error) {
	defer observe(backendMongo, "list_sessions")()

	var out []*model.ChatSession
	err := retryOperation(ctx, s.retry, s.logger, "ListSessions", func() error {
		cursor, err := s.sessions.Find(ctx, bson.M{},
			options.Find().SetSort(bson.D{{Key: constants.MongoFieldUpdatedAt, Value: -1}}))
		if err != nil {
			return err
		}
		out = nil
		return cursor.All(ctx, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	if out == nil {
		out = []*model.ChatSession{}
	}
	return out, nil
}

func (s *MongoStore) SetStatus(ctx context.Context, sessionID string, status model.Status, at time.Time) error {
	defer observe(backendMongo, "set_status")()

	var res *mongo.UpdateResult
	err := retryOperation(ctx, s.retry, s.logger, "SetStatus", func() error {
		var err error
		res, err = s.sessions.UpdateOne(ctx,
			bson.M{constants.MongoFieldID: sessionID},
			bson.M{"$set": bson.M{constants.MongoFieldStatus: status, constants.MongoFieldUpdatedAt: at}})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to set session status: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Append takes the next seq from the session's counter document and inserts
// the message. A retried counter increment may skip a seq, which keeps the
// sequence strictly increasing.
func (s *MongoStore) Append(ctx context.Context, sessionID string, sender model.Sender, content string, at time.Time) (*model.Message, error) {
	defer observe(backendMongo, "append")()
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	var counter counterDocument
	err := retryOperation(ctx, s.retry, s.logger, "NextSeq", func() error {
		return s.counters.FindOneAndUpdate(ctx,
			bson.M{constants.MongoFieldID: sessionID},
			bson.M{"$inc": bson.M{constants.MongoFieldSeq: int64(1)}},
			options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
		).Decode(&counter)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to allocate seq: %w", err)
	}

	msg := &model.Message{
		MessageID: uuid.NewString(),
		SessionID: sessionID,
		Sender:    sender,
		Content:   content,
		Seq:       counter.Seq,
		CreatedAt: at.UTC().Truncate(time.Millisecond),
	}

	err = retryOperation(ctx, s.retry, s.logger, "InsertMessage", func() error {
		_, err := s.messages.InsertOne(ctx, msg)
		// A duplicate _id on retry means the previous attempt landed.
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	touchCtx, cancel := util.NewTimeoutContext(constants.DefaultContextTimeout)
	defer cancel()
	if _, err := s.sessions.UpdateOne(touchCtx,
		bson.M{constants.MongoFieldID: sessionID},
		bson.M{"$max": bson.M{constants.MongoFieldUpdatedAt: msg.CreatedAt}}); err != nil {
		s.logger.Warnw("Failed to touch session", "session_id", sessionID, "error", err)
	}

	return msg, nil
}

func (s *MongoStore) LoadSince(ctx context.Context, sessionID string, afterSeq int64) ([]*model.Message, error) {
	defer observe(backendMongo, "load_since")()
	if afterSeq < 0 {
		afterSeq = 0
	}

	var out []*model.Message
	err := retryOperation(ctx, s.retry, s.logger, "LoadSince", func() error {
		cursor, err := s.messages.Find(ctx,
			bson.M{
				constants.MongoFieldSessionID: sessionID,
				constants.MongoFieldSeq:       bson.M{"$gt": afterSeq},
			},
			options.Find().SetSort(bson.D{{Key: constants.MongoFieldSeq, Value: 1}}))
		if err != nil {
			return err
		}
		out = nil
		return cursor.All(ctx, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	if out == nil {
		out = []*model.Message{}
	}
	return out, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *MongoStore) Close() error {
	ctx, cancel := util.NewTimeoutContext(constants.DefaultContextTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}
