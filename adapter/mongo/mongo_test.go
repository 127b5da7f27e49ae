package mongo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/trickstertwo/xrelay"
)

func TestClassifyCommandError(t *testing.T) {
	err := Classify(mongo.CommandError{Code: xrelay.CodePrimarySteppedDown, Message: "stepped down"})
	var coded *xrelay.CodedError
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, xrelay.CodePrimarySteppedDown, coded.ErrorCode())
	assert.True(t, xrelay.IsTransient(err))
}

func TestClassifyWriteException(t *testing.T) {
	dup := mongo.WriteException{WriteErrors: mongo.WriteErrors{{Code: 11000, Message: "duplicate key"}}}
	assert.False(t, IsTransient(dup))

	wc := mongo.WriteException{WriteConcernError: &mongo.WriteConcernError{Code: xrelay.CodeNotWritablePrimary, Message: "not primary"}}
	assert.True(t, IsTransient(wc))
}

func TestClassifyTransactionLabel(t *testing.T) {
	conflict := mongo.CommandError{Code: 112, Message: "write conflict"}
	assert.False(t, IsTransient(conflict))

	conflict.Labels = []string{"TransientTransactionError"}
	assert.True(t, IsTransient(conflict))
}

func TestClassifyPassThrough(t *testing.T) {
	assert.NoError(t, Classify(nil))

	plain := errors.New("boom")
	assert.Same(t, plain, Classify(plain))

	coded := &xrelay.CodedError{Code: 11000, Err: plain}
	var got *xrelay.CodedError
	require.ErrorAs(t, Classify(fmt.Errorf("wrapped: %w", coded)), &got)
	assert.Same(t, coded, got)
}

func TestStreamingUnsupported(t *testing.T) {
	assert.True(t, streamingUnsupported(mongo.CommandError{Code: codeChangeStreamNotSupported}))
	assert.True(t, streamingUnsupported(errors.New("The $changeStream stage is only supported on replica sets")))
	assert.False(t, streamingUnsupported(errors.New("auth failed")))
}

func TestTopologyOf(t *testing.T) {
	assert.Equal(t, xrelay.TopologyReplicated, topologyOf(helloReply{SetName: "rs0"}))
	assert.Equal(t, xrelay.TopologyReplicated, topologyOf(helloReply{Msg: "isdbgrid"}))
	assert.Equal(t, xrelay.TopologyStandalone, topologyOf(helloReply{}))
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, Config{}.Validate())
	assert.NoError(t, Defaults().Validate())
}

func liveStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("XRELAY_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("XRELAY_TEST_MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db := fmt.Sprintf("xrelay_test_%d", time.Now().UnixNano())
	s, err := Connect(ctx, Config{URI: uri, Database: db}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Database().Drop(ctx)
		_ = s.Close(ctx)
	})
	return s
}

func TestLiveWatchAndTx(t *testing.T) {
	s := liveStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	topo, err := s.Probe(ctx)
	require.NoError(t, err)
	if topo != xrelay.TopologyReplicated {
		_, err := s.Watch(ctx, "users", nil)
		assert.ErrorIs(t, err, xrelay.ErrStreamingUnsupported)
		return
	}

	coll := s.Database().Collection("users")
	require.NoError(t, s.Database().CreateCollection(ctx, "users"))

	cs, err := s.Watch(ctx, "users", nil)
	require.NoError(t, err)
	defer cs.Close(ctx)

	runner := xrelay.NewTxRunner(s, s.TxConfig(), nil)
	_, err = xrelay.RunTx(ctx, runner, func(txCtx context.Context, _ xrelay.Session) (any, error) {
		return coll.InsertOne(txCtx, bson.M{"userId": "u1", "name": "ada"})
	})
	require.NoError(t, err)

	ch, err := cs.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, xrelay.OpInsert, ch.OperationType)
	assert.Equal(t, "u1", ch.FullDocument["userId"])
	assert.NotEmpty(t, ch.ResumeToken)
}
