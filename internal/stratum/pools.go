package stratum

import "sync"

// ReadChunkSize is the size of a single socket read.
const ReadChunkSize = 4096

// readBufferPool reuses read chunks across links
var readBufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, ReadChunkSize)
		return &buf
	},
}

// getReadBuffer gets a read chunk from the pool
func getReadBuffer() *[]byte {
	return readBufferPool.Get().(*[]byte)
}

// putReadBuffer returns a read chunk to the pool
func putReadBuffer(buf *[]byte) {
	if buf != nil && len(*buf) == ReadChunkSize {
		readBufferPool.Put(buf)
	}
}
