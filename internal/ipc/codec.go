package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame's declared length. PVF code blobs can
// be large, but not unbounded; this guards a corrupted or malicious length
// prefix from causing the worker to attempt a multi-gigabyte allocation.
const MaxFrameSize = 64 << 20 // 64 MiB

// Send writes one length-framed message: a big-endian uint32 byte count
// followed by exactly that many payload bytes.
func Send(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("ipc: frame of %d bytes exceeds max %d", len(payload), MaxFrameSize)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("ipc: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("ipc: write frame body: %w", err)
	}
	return nil
}

// Recv reads one length-framed message, looping until the declared length
// is satisfied. EOF before any bytes are read is returned verbatim (a
// clean connection close between requests); EOF mid-frame is always a
// protocol error, never silently truncated.
func Recv(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("ipc: eof mid frame header: %w", err)
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("ipc: declared frame size %d exceeds max %d", n, MaxFrameSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("ipc: eof mid frame body (wanted %d bytes): %w", n, err)
	}
	return payload, nil
}

// RecvToEOF reads every byte available until the reader reports EOF. Used
// on the child→parent pipe, which carries exactly one message with no
// length prefix — the writer closing its end is the only terminator.
func RecvToEOF(r io.Reader) ([]byte, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("ipc: read pipe to eof: %w", err)
	}
	return buf, nil
}
