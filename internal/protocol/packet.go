package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/SkynetNext/piecebuf/internal/compress"
	"github.com/SkynetNext/piecebuf/internal/piecebuffer"
)

const (
	// HandshakeSize is the size of the handshake (24 bytes: Magic + InfoHash)
	HandshakeSize = 4 + 20

	// BlockHeaderSize is the size of a block frame header
	// (16 bytes: Length + Piece + Begin + Codec + Flags + Reserved)
	BlockHeaderSize = 4 + 4 + 4 + 1 + 1 + 2

	// AckSize is the size of an ack frame (12 bytes: Piece + Length + Status)
	AckSize = 4 + 4 + 4
)

// Wire format (all integers Little Endian):
//
// Handshake, sent once by the client after connecting:
//
//	Offset  Size    Description
//	0-3     4       Magic "PBUF"
//	4-23    20      InfoHash of the torrent the pieces belong to
//
// Block frame, one per block:
//
//	Offset  Size    Type      Description
//	0-3     4       uint32    Length - payload length on the wire (compressed)
//	4-7     4       uint32    Piece - piece index
//	8-11    4       uint32    Begin - offset of the decoded block inside the piece
//	12      1       uint8     Codec - payload compression (see compress.Codec)
//	13      1       uint8     Flags - bit 0: last block of the piece
//	14-15   2       uint16    Reserved, zero
//
// Full block frame structure:
//	[Block Header (16 bytes)] + [Payload (Length bytes)]
//
// Ack frame, sent by the server once a piece is complete:
//
//	0-3     4       uint32    Piece - piece index
//	4-7     4       uint32    Length - decoded piece length
//	8-11    4       uint32    Status - AckOK or AckRejected

// Magic opens every connection
var Magic = [4]byte{'P', 'B', 'U', 'F'}

// FlagLast marks the final block of a piece
const FlagLast uint8 = 1 << 0

// Ack statuses
const (
	AckOK       uint32 = 0
	AckRejected uint32 = 1
)

var (
	// ErrMessageTooLarge is returned when a block payload exceeds the maximum allowed
	ErrMessageTooLarge = errors.New("message size exceeds maximum allowed")

	// ErrBadMagic is returned when a handshake does not start with Magic
	ErrBadMagic = errors.New("handshake magic mismatch")
)

// Handshake identifies the torrent a connection delivers pieces for
type Handshake struct {
	InfoHash [20]byte
}

// ReadHandshake reads and validates the connection handshake
func ReadHandshake(r io.Reader) (*Handshake, error) {
	var buf [HandshakeSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}
	if !bytes.Equal(buf[0:4], Magic[:]) {
		return nil, fmt.Errorf("%w: % x", ErrBadMagic, buf[0:4])
	}
	h := &Handshake{}
	copy(h.InfoHash[:], buf[4:])
	return h, nil
}

// WriteHandshake writes the connection handshake
func WriteHandshake(w io.Writer, h *Handshake) error {
	var buf [HandshakeSize]byte
	copy(buf[0:4], Magic[:])
	copy(buf[4:], h.InfoHash[:])
	_, err := w.Write(buf[:])
	return err
}

// BlockHeader represents the block frame header (16 bytes)
type BlockHeader struct {
	Length uint32         // Payload length on the wire
	Piece  uint32         // Piece index
	Begin  uint32         // Offset of the decoded block in the piece
	Codec  compress.Codec // Payload compression
	Flags  uint8
}

// Last reports whether this block completes its piece
func (h *BlockHeader) Last() bool {
	return h.Flags&FlagLast != 0
}

// ParseBlockHeader parses a block header from reader (16 bytes, Little Endian)
// Reads all 16 bytes at once
func ParseBlockHeader(r io.Reader) (*BlockHeader, error) {
	var buf [BlockHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}

	return &BlockHeader{
		Length: binary.LittleEndian.Uint32(buf[0:4]),
		Piece:  binary.LittleEndian.Uint32(buf[4:8]),
		Begin:  binary.LittleEndian.Uint32(buf[8:12]),
		Codec:  compress.Codec(buf[12]),
		Flags:  buf[13],
	}, nil
}

// WriteBlockHeader writes a block header to writer (16 bytes, Little Endian)
// Constructs the header in one buffer and writes it in one operation
func WriteBlockHeader(w io.Writer, h *BlockHeader) error {
	var buf [BlockHeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], h.Length)
	binary.LittleEndian.PutUint32(buf[4:8], h.Piece)
	binary.LittleEndian.PutUint32(buf[8:12], h.Begin)
	buf[12] = uint8(h.Codec)
	buf[13] = h.Flags
	_, err := w.Write(buf[:])
	return err
}

// ReadBlock reads a complete block frame, appending its raw (still encoded)
// payload to dst
func ReadBlock(r io.Reader, dst *piecebuffer.Buffer, maxBlockSize int) (*BlockHeader, error) {
	header, err := ParseBlockHeader(r)
	if err != nil {
		return nil, err
	}
	if err := ReadPayload(r, header, dst, maxBlockSize); err != nil {
		return nil, err
	}
	return header, nil
}

// ReadPayload reads the payload announced by header, appending it to dst.
// Security: validates payload size before reading it
func ReadPayload(r io.Reader, header *BlockHeader, dst *piecebuffer.Buffer, maxBlockSize int) error {
	if maxBlockSize > 0 && int64(header.Length) > int64(maxBlockSize) {
		return fmt.Errorf("%w: %d bytes (max: %d)", ErrMessageTooLarge, header.Length, maxBlockSize)
	}

	if header.Length == 0 {
		return nil
	}

	if _, err := dst.ReadFull(r, int(header.Length)); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	return nil
}

// WriteBlock writes a complete block frame (header + payload)
// header.Length is set from the payload
func WriteBlock(w io.Writer, header *BlockHeader, payload []byte) error {
	header.Length = uint32(len(payload))
	if err := WriteBlockHeader(w, header); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// Ack confirms (or rejects) a completed piece
type Ack struct {
	Piece  uint32
	Length uint32
	Status uint32
}

// ReadAck reads an ack frame
func ReadAck(r io.Reader) (*Ack, error) {
	var buf [AckSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}
	return &Ack{
		Piece:  binary.LittleEndian.Uint32(buf[0:4]),
		Length: binary.LittleEndian.Uint32(buf[4:8]),
		Status: binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}

// WriteAck writes an ack frame
func WriteAck(w io.Writer, a *Ack) error {
	var buf [AckSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], a.Piece)
	binary.LittleEndian.PutUint32(buf[4:8], a.Length)
	binary.LittleEndian.PutUint32(buf[8:12], a.Status)
	_, err := w.Write(buf[:])
	return err
}
