// Package archive packs image datasets into the block archive format the
// training provider consumes, and unpacks the weights archive it returns.
//
// The format is tar-compatible at the level this service needs: entries are
// aligned to 512-byte blocks, the header holds a NUL-terminated name in its
// first 100 bytes and the content length as octal ASCII in bytes 124-136,
// and a block of all zero bytes terminates the archive.
package archive

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	blockSize  = 512
	nameLen    = 100
	sizeOffset = 124
	sizeLen    = 12

	// maxFileSize is the largest content length the size field can carry
	// as 11 octal digits.
	maxFileSize = 1<<33 - 1
)

var (
	// ErrMalformedArchive is returned when a header declares an unparseable
	// or out-of-bounds content length.
	ErrMalformedArchive = errors.New("malformed archive")
	// ErrArtifactNotFound is returned when no entry matches the wanted suffix.
	ErrArtifactNotFound = errors.New("artifact not found in archive")
	// ErrFileTooLarge is returned when a file cannot be framed in a header.
	ErrFileTooLarge = errors.New("file too large for archive")
)

// File is a named blob to be packed into an archive.
type File struct {
	Name string
	Data []byte
}

// Entry is a single decoded archive member.
type Entry struct {
	Name    string
	Size    int
	Content []byte
}

// Pack encodes the files into a single archive, one entry per file, in input
// order, terminated by two zero blocks. A file too large for the header's
// size field yields ErrFileTooLarge.
func Pack(files []File) ([]byte, error) {
	var buf bytes.Buffer
	for _, f := range files {
		header := make([]byte, blockSize)
		name := f.Name
		if len(name) > nameLen-1 {
			name = name[:nameLen-1]
		}
		copy(header, name)
		field, err := sizeField(len(f.Data))
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", f.Name, err)
		}
		copy(header[sizeOffset:], field)
		buf.Write(header)
		buf.Write(f.Data)
		if rem := len(f.Data) % blockSize; rem != 0 {
			buf.Write(make([]byte, blockSize-rem))
		}
	}
	buf.Write(make([]byte, 2*blockSize))
	return buf.Bytes(), nil
}

// Unpack parses an archive into its entries. Parsing stops at the first
// all-zero block. A header whose size field is not a non-negative octal
// integer, or whose content would read past the end of the input, yields
// ErrMalformedArchive.
func Unpack(data []byte) ([]Entry, error) {
	var entries []Entry
	pos := 0
	for pos+blockSize <= len(data) {
		header := data[pos : pos+blockSize]
		pos += blockSize

		if isZeroBlock(header) {
			break
		}

		name := parseName(header[:nameLen])
		size, err := parseSize(header[sizeOffset : sizeOffset+sizeLen])
		if err != nil {
			return nil, fmt.Errorf("%w: entry %q: %v", ErrMalformedArchive, name, err)
		}
		if pos+size > len(data) {
			return nil, fmt.Errorf("%w: entry %q declares %d bytes past end of input", ErrMalformedArchive, name, size)
		}

		content := make([]byte, size)
		copy(content, data[pos:pos+size])
		pos += size
		if rem := size % blockSize; rem != 0 {
			pos += blockSize - rem
		}

		entries = append(entries, Entry{Name: name, Size: size, Content: content})
	}
	return entries, nil
}

// FindByExtension returns the first entry whose name ends with suffix. The
// weights archive holds auxiliary files next to the model artifact, so the
// caller selects by extension rather than by exact name.
func FindByExtension(entries []Entry, suffix string) (Entry, error) {
	for _, e := range entries {
		if strings.HasSuffix(e.Name, suffix) {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: no entry with suffix %q", ErrArtifactNotFound, suffix)
}

// sizeField renders a content length as the 12-byte header field. Anything
// past maxFileSize would spill out of the field and corrupt the framing of
// the next entry, so it is rejected instead.
func sizeField(n int) ([]byte, error) {
	if n > maxFileSize {
		return nil, fmt.Errorf("%w: %d bytes does not fit the size field", ErrFileTooLarge, n)
	}
	field := make([]byte, sizeLen)
	copy(field, fmt.Sprintf("%011o", n))
	return field, nil
}

func parseName(field []byte) string {
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	return string(field)
}

func parseSize(field []byte) (int, error) {
	s := strings.Trim(string(field), "\x00 ")
	if s == "" {
		return 0, fmt.Errorf("empty size field")
	}
	n, err := strconv.ParseInt(s, 8, 64)
	if err != nil {
		return 0, fmt.Errorf("size %q is not octal: %v", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %d", n)
	}
	return int(n), nil
}

func isZeroBlock(block []byte) bool {
	for _, b := range block {
		if b != 0 {
			return false
		}
	}
	return true
}
