package mqtt

import "bytes"

// newByteReader wraps a decoded packet body so the Decode* helpers can
// share the same io.Reader-based field readers used for the fixed
// header and length-prefixed strings.
func newByteReader(body []byte) *bytes.Reader {
	return bytes.NewReader(body)
}
