// Package attach gives the operator exclusive, interactive control of one
// session's multiplexer at a time.
//
// An attachment holds three things for its whole lifetime: the global attach
// gate, the host-terminal lease (application suspended, console in raw mode)
// and the multiplexer stream. They are released in reverse order on every
// exit path, including panics in the forwarding goroutines, so the console is
// always returned to the mode it was in before the attachment began.
package attach
