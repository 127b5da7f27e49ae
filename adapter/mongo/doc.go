// Package mongo adapts a MongoDB deployment to xrelay: capability probe,
// change streams with full-document update lookup, and multi-document
// transactions for xrelay.RunTx.
//
// Example:
//
//	store, err := mongo.Connect(ctx, mongo.Config{URI: uri, Database: "app"}, logger)
//	relay, err := xrelay.NewRelayBuilder().
//	    WithTransport(redispubsub.TransportName, cfg).
//	    WithChangeSource(store).
//	    WithSessions(store, store.TxConfig()).
//	    Build()
package mongo
