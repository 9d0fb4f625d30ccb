package acceptor

// ByteStream is the transport a Session drives. A Session never calls Read
// and Write concurrently. Close may be called while a Read is blocked when
// the worker does not stop within the close timeout.
type ByteStream interface {
	// IsOpen reports whether the stream is open.
	IsOpen() bool
	// Open opens the stream.
	Open() error
	// Close releases the stream.
	Close() error
	// Read reads up to n bytes. Fewer than n bytes, including none, means
	// the read timed out; a Session never treats it as an error.
	Read(n int) ([]byte, error)
	// Write writes all of p.
	Write(p []byte) error
}
