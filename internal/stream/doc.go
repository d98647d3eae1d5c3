// Package stream provides the oracle price feed over the RTDS websocket.
//
// The socket is persistent, but the client is exposed to pollers through a
// request/response facade: Fetch returns the freshest oracle update received
// since the previous call, dialing and subscribing on demand. Reset drops
// the connection so the next Fetch starts from fresh client state.
package stream
