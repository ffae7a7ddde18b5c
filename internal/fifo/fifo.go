// Package fifo implements the circular byte buffer used by the SDO client
// to stream segmented and block-transfer payloads between the wire and the
// caller's io.Reader/io.Writer.
package fifo

import "github.com/canopen-go/canopen/internal/crc"

// Fifo is a single-producer single-consumer circular byte buffer. Besides
// the normal read/write cursor it keeps an "alt" cursor used by SDO block
// transfer to peek ahead at a sub-block before committing to it (AltBegin /
// AltRead / AltFinish).
type Fifo struct {
	buffer     []byte
	writePos   int
	readPos    int
	altReadPos int
	started    bool
	aux        int
}

// NewFifo allocates a Fifo with the given capacity in bytes. One slot is
// always kept empty to disambiguate full from empty, so usable capacity is
// size-1.
func NewFifo(size uint16) *Fifo {
	return &Fifo{buffer: make([]byte, size)}
}

// Reset discards any buffered bytes.
func (f *Fifo) Reset() {
	f.readPos = 0
	f.writePos = 0
	f.started = false
}

func (f *Fifo) wrap(pos int) int {
	if pos == len(f.buffer) {
		return 0
	}
	return pos
}

// GetSpace returns the number of bytes that can still be written before the
// buffer is full.
func (f *Fifo) GetSpace() int {
	sizeLeft := f.readPos - f.writePos - 1
	if sizeLeft < 0 {
		sizeLeft += len(f.buffer)
	}
	return sizeLeft
}

// GetOccupied returns the number of bytes available to read.
func (f *Fifo) GetOccupied() int {
	sizeOccupied := f.writePos - f.readPos
	if sizeOccupied < 0 {
		sizeOccupied += len(f.buffer)
	}
	return sizeOccupied
}

// Write appends buffer to the fifo, stopping early if it fills up, and
// returns the number of bytes actually written. If crc is non nil, every
// byte written is also folded into it (used to compute the SDO block CRC
// as segments stream in).
func (f *Fifo) Write(buffer []byte, crc *crc.CRC16) int {
	if buffer == nil {
		return 0
	}
	written := 0
	for _, b := range buffer {
		next := f.writePos + 1
		if next == f.readPos || (next == len(f.buffer) && f.readPos == 0) {
			break
		}
		f.buffer[f.writePos] = b
		written++
		if crc != nil {
			crc.Single(b)
		}
		f.writePos = f.wrap(next)
	}
	return written
}

// Read copies up to len(buffer) bytes out of the fifo and returns how many
// were read. eof, if non nil, is left false; it mirrors the teacher's
// reader-adapter signature and is reserved for a future end-of-stream
// marker.
func (f *Fifo) Read(buffer []byte, eof *bool) int {
	if buffer == nil {
		return 0
	}
	if eof != nil {
		*eof = false
	}
	read := 0
	for read < len(buffer) && f.readPos != f.writePos {
		buffer[read] = f.buffer[f.readPos]
		read++
		f.readPos = f.wrap(f.readPos + 1)
	}
	return read
}

// AltBegin starts a speculative read offset bytes ahead of the committed
// read cursor, without consuming anything. It returns how many bytes it
// was actually able to skip (capped by what's occupied).
func (f *Fifo) AltBegin(offset int) int {
	f.altReadPos = f.readPos
	skipped := 0
	for ; skipped < offset; skipped++ {
		if f.altReadPos == f.writePos {
			break
		}
		f.altReadPos = f.wrap(f.altReadPos + 1)
	}
	return skipped
}

// AltFinish commits the alt cursor, consuming every byte between readPos
// and altReadPos. If crc is non nil, those bytes are folded into it first.
func (f *Fifo) AltFinish(crc *crc.CRC16) {
	if crc == nil {
		f.readPos = f.altReadPos
		return
	}
	for f.readPos != f.altReadPos {
		crc.Single(f.buffer[f.readPos])
		f.readPos = f.wrap(f.readPos + 1)
	}
}

// AltRead copies bytes starting from the alt cursor, advancing it, without
// touching the committed read cursor.
func (f *Fifo) AltRead(buffer []byte) int {
	read := 0
	for read < len(buffer) && f.altReadPos != f.writePos {
		buffer[read] = f.buffer[f.altReadPos]
		read++
		f.altReadPos = f.wrap(f.altReadPos + 1)
	}
	return read
}

// AltGetOccupied returns the number of bytes between the alt cursor and the
// write cursor, i.e. how much more a speculative read could still consume.
func (f *Fifo) AltGetOccupied() int {
	sizeOccupied := f.writePos - f.altReadPos
	if sizeOccupied < 0 {
		sizeOccupied += len(f.buffer)
	}
	return sizeOccupied
}
