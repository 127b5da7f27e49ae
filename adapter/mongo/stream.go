package mongo

import (
	"context"
	"fmt"
	"io"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/trickstertwo/xrelay"
)

type changeDoc struct {
	OperationType string `bson:"operationType"`
	DocumentKey   bson.M `bson:"documentKey"`
	FullDocument  bson.M `bson:"fullDocument"`
}

type changeStream struct {
	cs *mongo.ChangeStream
}

// Next blocks for the next change. A stream the server closed (invalidate,
// dropped collection) yields io.EOF.
func (c *changeStream) Next(ctx context.Context) (xrelay.Change, error) {
	if !c.cs.Next(ctx) {
		if err := c.cs.Err(); err != nil {
			return xrelay.Change{}, Classify(err)
		}
		if err := ctx.Err(); err != nil {
			return xrelay.Change{}, err
		}
		return xrelay.Change{}, io.EOF
	}

	var doc changeDoc
	if err := c.cs.Decode(&doc); err != nil {
		return xrelay.Change{}, fmt.Errorf("mongo: decode change: %w", err)
	}
	ch := xrelay.Change{
		OperationType: xrelay.OperationType(doc.OperationType),
		ResumeToken:   append([]byte(nil), c.cs.ResumeToken()...),
	}
	if id, ok := doc.DocumentKey["_id"]; ok {
		ch.DocumentKey = id
	} else if len(doc.DocumentKey) > 0 {
		ch.DocumentKey = map[string]any(doc.DocumentKey)
	}
	if doc.FullDocument != nil {
		ch.FullDocument = map[string]any(doc.FullDocument)
	}
	return ch, nil
}

func (c *changeStream) Close(ctx context.Context) error { return c.cs.Close(ctx) }
