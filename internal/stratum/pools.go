// Package stratum implements the client side of Stratum V1: the line
// transport to a pool, session state, share submission and the reconnect
// supervisor.
package stratum

import (
	"bytes"
	"sync"
)

// Object pools for hot path optimizations
var (
	// bufferPool reuses encode buffers for outbound lines
	bufferPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 512))
		},
	}
)

// maxPooledBuffer keeps oversized buffers from pinning memory in the pool.
const maxPooledBuffer = 64 << 10

// GetBuffer gets an empty buffer from the pool
func GetBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer returns a buffer to the pool
func PutBuffer(buf *bytes.Buffer) {
	if buf != nil && buf.Cap() <= maxPooledBuffer {
		bufferPool.Put(buf)
	}
}

// encodeLine marshals msg followed by a newline into a pooled buffer. The
// caller returns the buffer with PutBuffer.
func encodeLine(msg *Message) (*bytes.Buffer, error) {
	data, err := MarshalMessage(msg)
	if err != nil {
		return nil, err
	}
	buf := GetBuffer()
	buf.Write(data)
	buf.WriteByte('\n')
	return buf, nil
}
