package internal

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ChunkStream provides a read-only view over a portion of a file, used to cut a single
// patch out of a blob that may hold several
type ChunkStream struct {
	*io.SectionReader
	file  *os.File
	start int64
}

// OpenChunkStream opens path and exposes [offset, offset+length).
// A zero length means "until the end of the file".
func OpenChunkStream(path string, offset, length int64) (*ChunkStream, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to get stream length: %w", err)
	}
	streamLen := info.Size()

	if length == 0 {
		length = streamLen - offset
	}
	if offset < 0 || length < 0 || offset+length > streamLen {
		file.Close()
		return nil, fmt.Errorf("argument out of range: offset=%d, length=%d, stream length=%d", offset, length, streamLen)
	}
	if length == 0 {
		file.Close()
		return nil, errors.New("the stream must not have 0 bytes")
	}

	return &ChunkStream{
		SectionReader: io.NewSectionReader(file, offset, length),
		file:          file,
		start:         offset,
	}, nil
}

// Length returns the length of the chunk
func (cs *ChunkStream) Length() int64 {
	return cs.Size()
}

// Start returns the offset of the chunk within the file
func (cs *ChunkStream) Start() int64 {
	return cs.start
}

// Close closes the underlying file
func (cs *ChunkStream) Close() error {
	return cs.file.Close()
}

// CopyTo copies the chunk to the destination stream
func (cs *ChunkStream) CopyTo(dst io.Writer, bufferSize int) (int64, error) {
	if bufferSize <= 0 {
		bufferSize = 32 * 1024 // Default buffer size
	}
	if _, err := cs.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	return io.CopyBuffer(dst, struct{ io.Reader }{cs.SectionReader}, make([]byte, bufferSize))
}

// ExtractChunk writes the window to a new file at dst
func ExtractChunk(src string, offset, length int64, dst string) error {
	cs, err := OpenChunkStream(src, offset, length)
	if err != nil {
		return err
	}
	defer cs.Close()

	return writeFileAtomic(dst, func(w io.Writer) error {
		_, err := cs.CopyTo(w, 0)
		return err
	})
}
