package codec

import "fmt"

// UnknownShapeError reports a packet whose length matches no known shape.
// The packet is skipped; the rest of the frame is still processed.
type UnknownShapeError struct {
	Length   int
	Token    uint32 // first 4 body bytes, if present
	HasToken bool
}

func (e *UnknownShapeError) Error() string {
	if e.HasToken {
		return fmt.Sprintf("unknown packet shape: length %d (token %d)", e.Length, e.Token)
	}
	return fmt.Sprintf("unknown packet shape: length %d", e.Length)
}

// TruncatedFrameError reports a frame that ends before a packet's declared
// length. Remaining packets in the frame are discarded.
type TruncatedFrameError struct {
	Offset    int // byte offset of the offending packet header
	Declared  int // declared body length, -1 if the header itself is cut off
	Remaining int // bytes left in the frame after the header
}

func (e *TruncatedFrameError) Error() string {
	if e.Declared < 0 {
		return fmt.Sprintf("truncated frame: packet header cut off at offset %d", e.Offset)
	}
	return fmt.Sprintf("truncated frame: packet at offset %d declares %d bytes, %d remain", e.Offset, e.Declared, e.Remaining)
}
