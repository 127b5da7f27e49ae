package xrelay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sessionKey struct{}

type fakeSession struct {
	mu        sync.Mutex
	begins    int
	commits   int
	aborts    int
	ends      int
	commitErr []error
}

func (s *fakeSession) Begin(context.Context) error {
	s.mu.Lock()
	s.begins++
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Commit(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
	if len(s.commitErr) > 0 {
		err := s.commitErr[0]
		s.commitErr = s.commitErr[1:]
		return err
	}
	return nil
}

func (s *fakeSession) Abort(context.Context) error {
	s.mu.Lock()
	s.aborts++
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Context(ctx context.Context) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

func (s *fakeSession) End(context.Context) {
	s.mu.Lock()
	s.ends++
	s.mu.Unlock()
}

type fakeStarter struct {
	sess *fakeSession
	err  error
}

func (f *fakeStarter) StartSession(context.Context) (Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.sess, nil
}

func fastTx(maxAttempts int) TxConfig {
	return TxConfig{
		MaxAttempts: maxAttempts,
		Backoff:     func(int) time.Duration { return time.Millisecond },
	}
}

func TestRunTxCommits(t *testing.T) {
	sess := &fakeSession{}
	r := NewTxRunner(&fakeStarter{sess: sess}, fastTx(3), nil)

	got, err := RunTx(context.Background(), r, func(ctx context.Context, s Session) (string, error) {
		assert.Same(t, sess, ctx.Value(sessionKey{}), "unit of work runs on the session context")
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 1, sess.begins)
	assert.Equal(t, 1, sess.commits)
	assert.Zero(t, sess.aborts)
	assert.Equal(t, 1, sess.ends)
}

func TestRunTxRetriesTransientErrors(t *testing.T) {
	sess := &fakeSession{}
	r := NewTxRunner(&fakeStarter{sess: sess}, fastTx(3), nil)

	calls := 0
	got, err := RunTx(context.Background(), r, func(context.Context, Session) (int, error) {
		calls++
		if calls < 3 {
			return 0, &CodedError{Code: CodePrimarySteppedDown}
		}
		return calls, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, got)
	assert.Equal(t, 2, sess.aborts)
	assert.Equal(t, 1, sess.commits)
}

func TestRunTxGivesUpAfterMaxAttempts(t *testing.T) {
	sess := &fakeSession{}
	r := NewTxRunner(&fakeStarter{sess: sess}, fastTx(3), nil)

	transient := errors.New("network error: reset")
	_, err := RunTx(context.Background(), r, func(context.Context, Session) (struct{}, error) {
		return struct{}{}, transient
	})

	var failed *TxFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 3, failed.Attempts)
	assert.ErrorIs(t, err, transient)
	assert.Equal(t, 3, sess.aborts)
	assert.Equal(t, 1, sess.ends)
}

func TestRunTxDoesNotRetryPermanentErrors(t *testing.T) {
	sess := &fakeSession{}
	r := NewTxRunner(&fakeStarter{sess: sess}, fastTx(5), nil)

	dup := &CodedError{Code: 11000, Err: errors.New("duplicate key")}
	_, err := RunTx(context.Background(), r, func(context.Context, Session) (int, error) { return 0, dup })

	var failed *TxFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 1, failed.Attempts)
	assert.Equal(t, 1, sess.begins)
}

func TestRunTxRetriesTransientCommit(t *testing.T) {
	sess := &fakeSession{commitErr: []error{&CodedError{Code: CodeNetworkTimeout}}}
	r := NewTxRunner(&fakeStarter{sess: sess}, fastTx(3), nil)

	_, err := RunTx(context.Background(), r, func(context.Context, Session) (int, error) { return 1, nil })
	require.NoError(t, err)
	assert.Equal(t, 2, sess.commits)
	assert.Equal(t, 1, sess.aborts)
}

func TestRunTxAbortsOnPanic(t *testing.T) {
	sess := &fakeSession{}
	r := NewTxRunner(&fakeStarter{sess: sess}, fastTx(3), nil)

	_, err := RunTx(context.Background(), r, func(context.Context, Session) (int, error) { panic("bad doc") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad doc")
	assert.Equal(t, 1, sess.aborts)
	assert.Zero(t, sess.commits)
}

func TestRunTxSessionStartFailure(t *testing.T) {
	r := NewTxRunner(&fakeStarter{err: errors.New("pool exhausted")}, TxConfig{}, nil)
	_, err := RunTx(context.Background(), r, func(context.Context, Session) (int, error) { return 1, nil })

	var failed *TxFailedError
	require.ErrorAs(t, err, &failed)
	assert.Zero(t, failed.Attempts)
}

func TestRunTxStopsWhenContextEnds(t *testing.T) {
	sess := &fakeSession{}
	r := NewTxRunner(&fakeStarter{sess: sess}, TxConfig{
		MaxAttempts: 5,
		Backoff:     func(int) time.Duration { return time.Hour },
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := RunTx(ctx, r, func(context.Context, Session) (int, error) {
		return 0, &CodedError{Code: CodeShutdownInProgress}
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, sess.begins)
}

func TestTxRunnerDefaults(t *testing.T) {
	r := NewTxRunner(&fakeStarter{}, TxConfig{}, nil)
	assert.Equal(t, 3, r.MaxAttempts())
}

func TestDefaultTxBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, DefaultTxBackoff(1))
	assert.Equal(t, 8*time.Second, DefaultTxBackoff(3))
	assert.Equal(t, 10*time.Second, DefaultTxBackoff(4))
	assert.Equal(t, 10*time.Second, DefaultTxBackoff(30))
	assert.Equal(t, time.Second, DefaultTxBackoff(-1))
}
