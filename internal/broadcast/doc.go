// Package broadcast implements the broadcast host: the authoritative table of
// live connections and their room sets, and the fan-out over it.
//
// Each Host is an actor. One goroutine owns the connection table and serves
// connect, message, disconnect, publish and query commands from a channel, so
// no two operations mutate the table concurrently. Per-connection writer
// goroutines own the sockets, which keeps a slow connection from stalling
// fan-out to the others. Rooms have no storage of their own: a room's members
// are whichever live connections hold it.
package broadcast
