// Package client keeps one live connection to a broadcast host for a
// session. The Manager tracks joined rooms, reconnects with backoff and hands
// events to listeners one at a time in receipt order. Transports hide whether
// the host is reached over a websocket or an event stream with an HTTP uplink.
package client
