package bridge

// Chunk is a block of data returned by an Upstream pull.
type Chunk struct {
	Data []byte
	// Header marks the first chunk of content whose layout changed, for
	// example after an adaptive bitrate switch.
	Header bool
}

// Upstream is the synchronous pull primitive a Bridge adapts.
type Upstream interface {
	// Pull reads up to size bytes at offset. It returns ErrNotReady when the
	// range is not available yet and ErrEndOfRange when offset is past the
	// end of the data. Any other error is a failure.
	Pull(offset uint64, size int) (Chunk, error)
	// QueryLength reports the byte length of the source. For fragmented
	// sources it reports the size of the current segment. ok is false when
	// the length is not known (yet).
	QueryLength() (length uint64, ok bool)
}
