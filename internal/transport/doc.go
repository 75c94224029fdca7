// Package transport carries envelopes between targets over gRPC.
//
// There is a single unary method, buddymirror.Mirror/Call, whose request and
// response are both *wire.Envelope encoded with the envelope codec. The
// server runs every call on the worker pool; the client side keeps one
// connection per peer address.
package transport
