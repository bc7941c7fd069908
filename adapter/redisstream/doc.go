// Package redisstream provides a Redis Streams connection for xmbus.
//
// Connection name: "redis-streams"
//
// Every node appends to one shared stream and reads it back through its own consumer
// group, so each node sees every message exactly once; entries a node wrote itself
// are skipped.
//
// Config keys:
//   - addr: "host:port" (default "127.0.0.1:6379")
//   - stream: stream shared by all peers (default "xmbus")
//   - consumer: this node's consumer name (default "xmbus-<host>-<pid>")
//   - group: consumer group (default: the consumer name)
//   - batch_size: XADD pipeline and XREADGROUP COUNT (default 128)
//   - block: XREADGROUP BLOCK duration (default 1s)
//   - auto_create: create stream and group if missing (default true)
//   - dead_letter: stream receiving undecodable entries (optional)
//   - max_len_approx: approximate MAXLEN trimming (optional)
//   - outbox_size, inbox_size: local buffers (default 4096, 16384)
//   - max_failures: consecutive Redis failures before the connection breaks (default 5)
//
// Example builder usage:
//
//	bus, _ := xmbus.NewBusBuilder().
//	    WithConnection(redisstream.ConnectionName, map[string]any{
//	        "addr":        "localhost:6379",
//	        "stream":      "orders",
//	        "consumer":    "service-a",
//	        "block":       "2s",
//	        "dead_letter": "orders-dlq",
//	    }).
//	    Build()
package redisstream
