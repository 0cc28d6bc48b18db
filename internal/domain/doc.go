// Package domain defines the real-time event vocabulary shared by the host,
// the publish gateway and clients.
//
// Concept-oriented files: event.go (envelope and payloads), room.go (broadcast
// channels), command.go (client commands), pubsub.go (consumer-side interfaces)
// and errors.go. No transport code lives here.
package domain
