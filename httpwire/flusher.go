package httpwire

// Flusher lets a handler push buffered response data to the peer
// mid-stream (streaming bodies, server-sent events). The engine's
// ResponseWriter implements it.
type Flusher interface {
	Flush() error
}
