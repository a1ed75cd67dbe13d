// Package mongodb provides a storage.Store backed by MongoDB. The
// credential is embedded in the user document; sessions live in their own
// collection indexed by user_id.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/jmcleod/doorman/storage"
)

type Store struct {
	client   *mongo.Client
	users    *mongo.Collection
	sessions *mongo.Collection
}

var _ storage.Store = (*Store)(nil)

type credentialDoc struct {
	AccessToken          string    `bson:"access_token"`
	AccessTokenExpiresAt time.Time `bson:"access_token_expires_at"`
	RefreshToken         string    `bson:"refresh_token"`
}

type userDoc struct {
	ID         string        `bson:"_id"`
	Username   string        `bson:"username"`
	Avatar     string        `bson:"avatar"`
	Nickname   string        `bson:"nickname"`
	CreatedAt  time.Time     `bson:"created_at"`
	Credential credentialDoc `bson:"credential"`
}

type sessionDoc struct {
	ID        string    `bson:"_id"`
	UserID    string    `bson:"user_id"`
	ExpiresAt time.Time `bson:"expires_at"`
}

func (d userDoc) user() storage.User {
	return storage.User{
		ID:        d.ID,
		Username:  d.Username,
		Avatar:    d.Avatar,
		Nickname:  d.Nickname,
		CreatedAt: d.CreatedAt.UTC(),
	}
}

// New connects to uri, pings it and ensures indexes on database.
func New(ctx context.Context, uri, database string) (*Store, error) {
	const op = "storage.mongodb.New"

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%s: connect: %w", op, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	db := client.Database(database)
	s := &Store{
		client:   client,
		users:    db.Collection("users"),
		sessions: db.Collection("sessions"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("%s: indexes: %w", op, err)
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.sessions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("sessions.user_id index: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) CreateUser(ctx context.Context, user storage.User, cred storage.Credential) error {
	const op = "storage.mongodb.CreateUser"

	_, err := s.users.InsertOne(ctx, userDoc{
		ID:        user.ID,
		Username:  user.Username,
		Avatar:    user.Avatar,
		Nickname:  user.Nickname,
		CreatedAt: user.CreatedAt,
		Credential: credentialDoc{
			AccessToken:          cred.AccessToken,
			AccessTokenExpiresAt: cred.AccessTokenExpiresAt,
			RefreshToken:         cred.RefreshToken,
		},
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%s: %w", op, storage.ErrAlreadyExists)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Store) findUser(ctx context.Context, op, id string) (userDoc, error) {
	var doc userDoc
	err := s.users.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return userDoc{}, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}
		return userDoc{}, fmt.Errorf("%s: %w", op, err)
	}
	return doc, nil
}

func (s *Store) User(ctx context.Context, id string) (storage.User, error) {
	doc, err := s.findUser(ctx, "storage.mongodb.User", id)
	if err != nil {
		return storage.User{}, err
	}
	return doc.user(), nil
}

func (s *Store) UpdateProfile(ctx context.Context, user storage.User) error {
	const op = "storage.mongodb.UpdateProfile"

	res, err := s.users.UpdateOne(ctx, bson.M{"_id": user.ID}, bson.M{"$set": bson.M{
		"username": user.Username,
		"avatar":   user.Avatar,
		"nickname": user.Nickname,
	}})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) Credential(ctx context.Context, userID string) (storage.Credential, error) {
	doc, err := s.findUser(ctx, "storage.mongodb.Credential", userID)
	if err != nil {
		return storage.Credential{}, err
	}
	return storage.Credential{
		UserID:               doc.ID,
		AccessToken:          doc.Credential.AccessToken,
		AccessTokenExpiresAt: doc.Credential.AccessTokenExpiresAt.UTC(),
		RefreshToken:         doc.Credential.RefreshToken,
	}, nil
}

func (s *Store) UpdateCredential(ctx context.Context, cred storage.Credential) error {
	const op = "storage.mongodb.UpdateCredential"

	res, err := s.users.UpdateOne(ctx, bson.M{"_id": cred.UserID}, bson.M{
		"$set": bson.M{"credential": credentialDoc{
			AccessToken:          cred.AccessToken,
			AccessTokenExpiresAt: cred.AccessTokenExpiresAt,
			RefreshToken:         cred.RefreshToken,
		}},
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) CreateSession(ctx context.Context, sess storage.Session) error {
	const op = "storage.mongodb.CreateSession"

	// MongoDB has no foreign keys; check the owner first.
	n, err := s.users.CountDocuments(ctx, bson.M{"_id": sess.UserID})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	_, err = s.sessions.InsertOne(ctx, sessionDoc{ID: sess.ID, UserID: sess.UserID, ExpiresAt: sess.ExpiresAt})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%s: %w", op, storage.ErrAlreadyExists)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Store) SessionWithUser(ctx context.Context, id string) (storage.Session, storage.User, error) {
	const op = "storage.mongodb.SessionWithUser"

	var doc sessionDoc
	if err := s.sessions.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return storage.Session{}, storage.User{}, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}
		return storage.Session{}, storage.User{}, fmt.Errorf("%s: %w", op, err)
	}
	u, err := s.findUser(ctx, op, doc.UserID)
	if err != nil {
		return storage.Session{}, storage.User{}, err
	}
	return storage.Session{ID: doc.ID, UserID: doc.UserID, ExpiresAt: doc.ExpiresAt.UTC()}, u.user(), nil
}

func (s *Store) UpdateSessionExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	const op = "storage.mongodb.UpdateSessionExpiry"

	res, err := s.sessions.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"expires_at": expiresAt}})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.sessions.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("storage.mongodb.DeleteSession: %w", err)
	}
	return nil
}

func (s *Store) DeleteUserSessions(ctx context.Context, userID string) (int, error) {
	res, err := s.sessions.DeleteMany(ctx, bson.M{"user_id": userID})
	if err != nil {
		return 0, fmt.Errorf("storage.mongodb.DeleteUserSessions: %w", err)
	}
	return int(res.DeletedCount), nil
}
