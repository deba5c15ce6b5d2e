package net

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	FrameHeaderLen = 4
	MaxFrameSize   = 64 * 1024
)

var ErrFrameTooLarge = errors.New("frame too large")

// WriteFrame writes a big-endian length prefix followed by the payload in a
// single write.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, FrameHeaderLen+len(payload))
	binary.BigEndian.PutUint32(buf[:FrameHeaderLen], uint32(len(payload)))
	copy(buf[FrameHeaderLen:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed payload. A clean close before the header
// returns io.EOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [FrameHeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}
