package internal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"
)

// UpdateState is the lifecycle state of an update run
type UpdateState int32

const (
	UpdateStateStop UpdateState = iota
	UpdateStatePending
	UpdateStateDownloading
	UpdateStateFinish
	UpdateStateError
	UpdateStateNotSupport
)

var updateStateNames = map[UpdateState]string{
	UpdateStateStop:        "Stop",
	UpdateStatePending:     "Pending",
	UpdateStateDownloading: "Downloading",
	UpdateStateFinish:      "Finish",
	UpdateStateError:       "Error",
	UpdateStateNotSupport:  "NotSupport",
}

func (s UpdateState) String() string {
	if name, ok := updateStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("UpdateState(%d)", int32(s))
}

// IsTerminal reports whether no further transition happens without a new run
func (s UpdateState) IsTerminal() bool {
	switch s {
	case UpdateStateStop, UpdateStateFinish, UpdateStateError, UpdateStateNotSupport:
		return true
	default:
		return false
	}
}

// MarshalText implements encoding.TextMarshaler
func (s UpdateState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UpdateProgress is a point-in-time snapshot of an update run
type UpdateProgress struct {
	State           UpdateState `json:"state"`
	TotalFiles      int32       `json:"total_files"`
	DownloadedFiles int32       `json:"downloaded_files"`
	TotalBytes      int64       `json:"total_bytes"`
	DownloadedBytes int64       `json:"downloaded_bytes"`
	ErrorMessage    string      `json:"error_message,omitempty"`
}

// Field numbers of the UpdateProgress wire message
const (
	progressFieldState           protowire.Number = 1
	progressFieldTotalFiles      protowire.Number = 2
	progressFieldDownloadedFiles protowire.Number = 3
	progressFieldTotalBytes      protowire.Number = 4
	progressFieldDownloadedBytes protowire.Number = 5
	progressFieldErrorMessage    protowire.Number = 6
)

// MarshalProto encodes the snapshot as a protobuf message. Zero fields are omitted.
func (p *UpdateProgress) MarshalProto() []byte {
	var b []byte
	appendVarint := func(num protowire.Number, v uint64) {
		if v == 0 {
			return
		}
		b = protowire.AppendTag(b, num, protowire.VarintType)
		b = protowire.AppendVarint(b, v)
	}

	appendVarint(progressFieldState, uint64(p.State))
	appendVarint(progressFieldTotalFiles, uint64(p.TotalFiles))
	appendVarint(progressFieldDownloadedFiles, uint64(p.DownloadedFiles))
	appendVarint(progressFieldTotalBytes, uint64(p.TotalBytes))
	appendVarint(progressFieldDownloadedBytes, uint64(p.DownloadedBytes))
	if p.ErrorMessage != "" {
		b = protowire.AppendTag(b, progressFieldErrorMessage, protowire.BytesType)
		b = protowire.AppendString(b, p.ErrorMessage)
	}
	return b
}

// UnmarshalUpdateProgress decodes a protobuf message, skipping unknown fields
func UnmarshalUpdateProgress(b []byte) (*UpdateProgress, error) {
	p := &UpdateProgress{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		if typ == protowire.VarintType && num >= progressFieldState && num <= progressFieldDownloadedBytes {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case progressFieldState:
				p.State = UpdateState(int32(v))
			case progressFieldTotalFiles:
				p.TotalFiles = int32(v)
			case progressFieldDownloadedFiles:
				p.DownloadedFiles = int32(v)
			case progressFieldTotalBytes:
				p.TotalBytes = int64(v)
			case progressFieldDownloadedBytes:
				p.DownloadedBytes = int64(v)
			}
			continue
		}

		if typ == protowire.BytesType && num == progressFieldErrorMessage {
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			p.ErrorMessage = v
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return p, nil
}

// ProgressStream receives progress snapshots of an update run
type ProgressStream interface {
	Send(progress *UpdateProgress) error
}

// ProgressFrameWriter writes length-delimited UpdateProgress frames, flushing after each
// one when the writer supports it
type ProgressFrameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewProgressFrameWriter creates a frame writer over w
func NewProgressFrameWriter(w io.Writer) *ProgressFrameWriter {
	return &ProgressFrameWriter{w: w}
}

// Send implements ProgressStream
func (f *ProgressFrameWriter) Send(progress *UpdateProgress) error {
	msg := progress.MarshalProto()
	frame := protowire.AppendVarint(make([]byte, 0, len(msg)+binary.MaxVarintLen64), uint64(len(msg)))
	frame = append(frame, msg...)

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.w.Write(frame); err != nil {
		return err
	}
	if flusher, ok := f.w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

// maxProgressFrameSize bounds a single frame read from the wire
const maxProgressFrameSize = 1 << 20

// ProgressFrameReader reads frames written by ProgressFrameWriter
type ProgressFrameReader struct {
	r *bufio.Reader
}

// NewProgressFrameReader creates a frame reader over r
func NewProgressFrameReader(r io.Reader) *ProgressFrameReader {
	return &ProgressFrameReader{r: bufio.NewReader(r)}
}

// Recv returns the next snapshot, or io.EOF at a clean end of stream
func (f *ProgressFrameReader) Recv() (*UpdateProgress, error) {
	size, err := binary.ReadUvarint(f.r)
	if err != nil {
		return nil, err
	}
	if size > maxProgressFrameSize {
		return nil, fmt.Errorf("progress frame too large: %d bytes", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(f.r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return UnmarshalUpdateProgress(buf)
}
