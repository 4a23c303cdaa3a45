package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ilnaes/gopost/internal/common"
)

// Mongo is a Store backed by a MongoDB database
type Mongo struct {
	client *mongo.Client

	counters *mongo.Collection
	threads  *mongo.Collection
	posts    *mongo.Collection
	images   *mongo.Collection
	users    *mongo.Collection
}

type imageToken struct {
	Token string       `bson:"_id"`
	Image common.Image `bson:"image"`
}

func OpenMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(database)
	return &Mongo{
		client:   client,
		counters: db.Collection("counters"),
		threads:  db.Collection("threads"),
		posts:    db.Collection("posts"),
		images:   db.Collection("images"),
		users:    db.Collection("users"),
	}, nil
}

func (m *Mongo) Close() error {
	return m.client.Disconnect(context.Background())
}

func (m *Mongo) ReservePostID(ctx context.Context) (int64, error) {
	var ctr struct {
		Seq int64 `bson:"seq"`
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)
	err := m.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": "post"},
		bson.M{"$inc": bson.M{"seq": 1}},
		opts,
	).Decode(&ctr)
	if err != nil {
		return 0, fmt.Errorf("reserve post id: %w", err)
	}
	return ctr.Seq, nil
}

func (m *Mongo) InsertThread(ctx context.Context, t Thread) error {
	if _, err := m.threads.InsertOne(ctx, t); err != nil {
		return fmt.Errorf("insert thread %d: %w", t.ID, err)
	}
	return nil
}

func (m *Mongo) GetThread(ctx context.Context, id int64) (t Thread, err error) {
	err = m.threads.FindOne(ctx, bson.M{"_id": id}).Decode(&t)
	return t, noDocuments(err)
}

func (m *Mongo) BumpThread(ctx context.Context, id, replyTime int64, image bool) error {
	inc := bson.M{"postCtr": 1}
	if image {
		inc["imageCtr"] = 1
	}
	return m.update(ctx, m.threads, id, bson.M{
		"$inc": inc,
		"$set": bson.M{"replyTime": replyTime},
	})
}

func (m *Mongo) LockThread(ctx context.Context, id int64, locked bool) error {
	return m.update(ctx, m.threads, id, bson.M{"$set": bson.M{"locked": locked}})
}

func (m *Mongo) InsertPost(ctx context.Context, p Post) error {
	if _, err := m.posts.InsertOne(ctx, p); err != nil {
		return fmt.Errorf("insert post %d: %w", p.ID, err)
	}
	return nil
}

func (m *Mongo) GetPost(ctx context.Context, id int64) (p Post, err error) {
	err = m.posts.FindOne(ctx, bson.M{"_id": id}).Decode(&p)
	return p, noDocuments(err)
}

func (m *Mongo) SetPostBody(ctx context.Context, id int64, body string) error {
	return m.update(ctx, m.posts, id, bson.M{"$set": bson.M{"body": body}})
}

func (m *Mongo) SetPostImage(ctx context.Context, id int64, img common.Image) error {
	return m.update(ctx, m.posts, id, bson.M{"$set": bson.M{"image": img}})
}

func (m *Mongo) ClosePost(ctx context.Context, id int64, body string) error {
	return m.update(ctx, m.posts, id, bson.M{
		"$set": bson.M{"body": body, "editing": false},
	})
}

func (m *Mongo) InsertImageToken(ctx context.Context, token string, img common.Image) error {
	if _, err := m.images.InsertOne(ctx, imageToken{token, img}); err != nil {
		return fmt.Errorf("insert image token: %w", err)
	}
	return nil
}

func (m *Mongo) UseImageToken(ctx context.Context, token string) (common.Image, error) {
	var tok imageToken
	err := m.images.FindOneAndDelete(ctx, bson.M{"_id": token}).Decode(&tok)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return common.Image{}, ErrInvalidToken
	case err != nil:
		return common.Image{}, fmt.Errorf("use image token: %w", err)
	}
	return tok.Image, nil
}

func (m *Mongo) RegisterUser(ctx context.Context, u User) (bool, error) {
	update := bson.M{"$setOnInsert": bson.M{"password": u.Password}}
	opts := options.Update().SetUpsert(true)

	res, err := m.users.UpdateOne(ctx, bson.M{"_id": u.Name}, update, opts)
	if err != nil {
		return false, fmt.Errorf("register user: %w", err)
	}
	return res.UpsertedCount != 0, nil
}

func (m *Mongo) GetUser(ctx context.Context, name string) (u User, err error) {
	err = m.users.FindOne(ctx, bson.M{"_id": name}).Decode(&u)
	return u, noDocuments(err)
}

func (m *Mongo) update(ctx context.Context, col *mongo.Collection, id int64, update bson.M) error {
	res, err := col.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func noDocuments(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}
