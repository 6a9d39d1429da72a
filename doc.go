// Package consoled multiplexes one shared serial console byte stream to
// many Unix-domain-socket clients.
//
// A Server owns the listening socket for one console instance. Bytes
// produced by the console fan out through a bounded ring buffer to every
// connected client with per-client backpressure; bytes typed by clients
// are scanned for SSH-style escape sequences (newline ~ B issues a serial
// break, newline ~ ~ a literal tilde) before reaching the console.
//
// Everything runs on a single dispatch goroutine driven by readiness
// polling; the producer is never blocked by a slow client, which is
// instead forced to drain or disconnected.
package consoled
