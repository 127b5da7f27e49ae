// Package redisstream provides a Redis Streams transport for xrelay.
//
// Transport name: "redis-streams"
//
// Each logical channel maps to one stream, "<stream_prefix><channel>". Every
// relay instance reads through its own consumer group, so all instances see
// every message the way pub/sub subscribers would, while entries survive a
// reader restart.
//
// Minimal config keys:
// - addr: "host:port" (default "127.0.0.1:6379")
// - stream_prefix: stream name prefix (default "xrelay:")
// - group: consumer group name (default "xrelay-<host>-<pid>")
// - consumer: consumer name (default "xrelay-<host>-<pid>")
// - concurrency: handler workers (default 1, keeps per-channel order)
// - batch_size: XREADGROUP COUNT (default 128)
// - block: XREADGROUP BLOCK duration (default 5s)
// - auto_create: create group/stream if missing (default true)
// - auto_delete_on_ack: XDEL after XACK (default false)
// - dead_letter: stream name to write failed deliveries (optional)
// - max_len_approx: approximate MAXLEN trim per stream (default 10000)
//
// Example builder usage:
//
//	relay, _ := xrelay.NewRelayBuilder().
//	    WithTransport(redisstream.TransportName, map[string]any{
//	        "addr":        "localhost:6379",
//	        "dead_letter": "xrelay:dlq",
//	    }).
//	    WithChangeSource(source).
//	    Build()
package redisstream
