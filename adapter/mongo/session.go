package mongo

import (
	"context"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

// session adapts mongo.Session to xrelay.Session.
type session struct {
	s mongo.Session
}

func (s *session) Begin(context.Context) error {
	opts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())
	return Classify(s.s.StartTransaction(opts))
}

func (s *session) Commit(ctx context.Context) error { return Classify(s.s.CommitTransaction(ctx)) }

func (s *session) Abort(ctx context.Context) error { return s.s.AbortTransaction(ctx) }

// Context binds the session so collection calls made with it join the transaction.
func (s *session) Context(ctx context.Context) context.Context {
	return mongo.NewSessionContext(ctx, s.s)
}

func (s *session) End(ctx context.Context) { s.s.EndSession(ctx) }
