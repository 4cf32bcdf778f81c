package common

import (
	"bufio"
	"io"
	"sync"
)

// IOPool recycles the buffered reader and writer of closed connections.
// All buffers of a pool share the sizes given to NewIOPool.
type IOPool struct {
	readSize  int
	writeSize int
	reader    sync.Pool
	writer    sync.Pool
}

func NewIOPool(readSize, writeSize int) *IOPool {
	p := &IOPool{readSize: readSize, writeSize: writeSize}
	p.reader.New = func() any { return bufio.NewReaderSize(nil, p.readSize) }
	p.writer.New = func() any { return bufio.NewWriterSize(nil, p.writeSize) }
	return p
}

func (p *IOPool) GetReader(r io.Reader) *bufio.Reader {
	br := p.reader.Get().(*bufio.Reader)
	br.Reset(r)
	return br
}

func (p *IOPool) PutReader(br *bufio.Reader) {
	br.Reset(nil)
	p.reader.Put(br)
}

func (p *IOPool) GetWriter(w io.Writer) *bufio.Writer {
	bw := p.writer.Get().(*bufio.Writer)
	bw.Reset(w)
	return bw
}

func (p *IOPool) PutWriter(bw *bufio.Writer) {
	bw.Reset(nil)
	p.writer.Put(bw)
}
