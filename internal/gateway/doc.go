// Package gateway lets mutation handlers emit events without holding a
// reference to a broadcast host. A Gateway builds the envelope, merges the
// routing id into the payload and hands it to a Sender for one transport.
//
// Emitting never fails from the caller's point of view: by the time a handler
// emits, its write has committed, so delivery problems are logged and counted
// and the handler's response is unaffected.
package gateway
