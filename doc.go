// Package chatrelay implements the reliable delivery core of a chat system:
// a transactional outbox on the write path, an idempotency guard in front of
// it, and broadcast fan-out to stateless WebSocket gateways.
//
// Pipeline:
//
//	chat.Writer ──(one tx)──▶ outbox table ──▶ outbox.Processor ──▶ transport (Redis Pub/Sub)
//	                                                                      │ broadcast
//	                                          gateway.Subscriber ◀────────┘
//	                                                │ local filter
//	                                          gateway.Router ──▶ connected clients
//
// Every gateway instance receives every event and forwards it only to the
// receivers connected locally. A receiver connected elsewhere (or offline) is
// simply someone else's problem; the local miss is not an error.
//
// The root package holds the wire contract shared by producers and consumers:
// EventPayload is the exact byte layout on the bus, MessagePayload is the
// inner payload for message events, and Codec pins the encoding (JSON on the
// wire by default, msgpack available when both ends run this module).
//
// Subpackages:
//   - transport: broadcast bus abstraction (redis, nats, channel)
//   - idempotency: duplicate-send guard (redis, postgres, memory)
//   - chat: transactional message write path
//   - outbox: poll, claim, publish, retry, dead-letter
//   - dlq: dead-letter storage and replay
//   - gateway: connection registry, fan-out router, bus subscriber
package chatrelay
