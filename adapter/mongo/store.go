package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xrelay"
)

// Config for the MongoDB store.
type Config struct {
	URI      string
	Database string

	// MaxAwait bounds how long the server holds a getMore on an idle change stream.
	MaxAwait       time.Duration
	ConnectTimeout time.Duration
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	return Config{
		URI:            "mongodb://127.0.0.1:27017",
		Database:       "app",
		MaxAwait:       time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}

// Validate checks Config.
func (c Config) Validate() error {
	if c.URI == "" {
		return errors.New("config: uri required")
	}
	if c.Database == "" {
		return errors.New("config: database required")
	}
	return nil
}

// Store is the xrelay ChangeSource and SessionStarter backed by MongoDB.
type Store struct {
	cfg    Config
	client *mongo.Client
	db     *mongo.Database
	logger *xlog.Logger
	owned  bool
}

var (
	_ xrelay.ChangeSource   = (*Store)(nil)
	_ xrelay.SessionStarter = (*Store)(nil)
)

// Connect dials MongoDB and pings the primary.
func Connect(ctx context.Context, cfg Config, logger *xlog.Logger) (*Store, error) {
	cfg = withDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(cfg.ConnectTimeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pctx, nil); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}
	s := New(client, cfg, logger)
	s.owned = true
	return s, nil
}

// New wraps an already connected client. Close will not disconnect it.
func New(client *mongo.Client, cfg Config, logger *xlog.Logger) *Store {
	cfg = withDefaults(cfg)
	if logger == nil {
		logger = xlog.Default()
	}
	return &Store{
		cfg:    cfg,
		client: client,
		db:     client.Database(cfg.Database),
		logger: logger,
	}
}

func withDefaults(cfg Config) Config {
	d := Defaults()
	if cfg.Database == "" {
		cfg.Database = d.Database
	}
	if cfg.MaxAwait <= 0 {
		cfg.MaxAwait = d.MaxAwait
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = d.ConnectTimeout
	}
	return cfg
}

// Database returns the application database handle.
func (s *Store) Database() *mongo.Database { return s.db }

// TxConfig returns runner settings that classify driver errors.
func (s *Store) TxConfig() xrelay.TxConfig {
	return xrelay.TxConfig{RetryIf: IsTransient}
}

type helloReply struct {
	SetName string `bson:"setName"`
	Msg     string `bson:"msg"`
}

// Probe runs the hello command. A replica set member or a mongos router can
// stream changes; anything else is standalone.
func (s *Store) Probe(ctx context.Context) (xrelay.Topology, error) {
	var reply helloReply
	err := s.client.Database("admin").RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&reply)
	if err != nil {
		return xrelay.TopologyUnknown, fmt.Errorf("mongo: hello: %w", Classify(err))
	}
	t := topologyOf(reply)
	s.logger.Debug().
		Str("topology", t.String()).
		Str("set", reply.SetName).
		Msg("mongo: capability probe")
	return t, nil
}

func topologyOf(r helloReply) xrelay.Topology {
	if r.SetName != "" || r.Msg == "isdbgrid" {
		return xrelay.TopologyReplicated
	}
	return xrelay.TopologyStandalone
}

// Watch opens a change stream on collection with the post-image of updates
// attached. A non-empty resumeToken resumes after that change.
func (s *Store) Watch(ctx context.Context, collection string, resumeToken []byte) (xrelay.ChangeStream, error) {
	opts := options.ChangeStream().
		SetFullDocument(options.UpdateLookup).
		SetMaxAwaitTime(s.cfg.MaxAwait)
	if len(resumeToken) > 0 {
		opts.SetResumeAfter(bson.Raw(resumeToken))
	}
	cs, err := s.db.Collection(collection).Watch(ctx, mongo.Pipeline{}, opts)
	if err != nil {
		if streamingUnsupported(err) {
			return nil, fmt.Errorf("%w: %v", xrelay.ErrStreamingUnsupported, err)
		}
		return nil, fmt.Errorf("mongo: watch %s: %w", collection, Classify(err))
	}
	return &changeStream{cs: cs}, nil
}

// StartSession acquires a session for xrelay.RunTx.
func (s *Store) StartSession(_ context.Context) (xrelay.Session, error) {
	sess, err := s.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("mongo: start session: %w", Classify(err))
	}
	return &session{s: sess}, nil
}

// Close disconnects the client when Connect created it.
func (s *Store) Close(ctx context.Context) error {
	if !s.owned {
		return nil
	}
	return s.client.Disconnect(ctx)
}
