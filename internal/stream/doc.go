// Package stream defines the client-visible event stream of one request.
//
// Event is a closed set of variants; Encode and Decode switch over every
// one of them, so adding a variant is a compile-time-visible change to the
// codec. On the wire each event is framed as "data: <json>\n\n".
//
// A Writer enforces the ordering rules of a stream: done is written exactly
// once and last, and once an error has been written only done may follow.
// Relay drains an event channel into a Writer, emitting heartbeats while
// the channel is quiet and always finishing with done.
package stream
