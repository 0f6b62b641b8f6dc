// Package transport owns the authenticated connection to the metadata service.
//
// Ownership boundary:
// - session state machine (disconnected -> handshaking -> authenticated -> failed|disconnected)
// - hello/challenge/proof/result handshake
// - keep-alive, reader loop, payload compression and sealing
// - dialing (tcp/tls) and retry backoff
//
// The reader loop is the only consumer of the byte stream. Frames that are not
// keep-alive traffic go to the Handler, which must not block.
package transport
