package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
)

const defaultHeaderSize = 4096

// PageSource hands out the pages of one observation in arrival order.
// The raw run header is available as soon as the source is open; Start
// fixes the page size before the first Next. A page returned by Next
// stays valid until it is passed back to Release.
type PageSource interface {
	Header() []byte
	Start(pageSize int) error
	Next(ctx context.Context) ([]byte, error)
	Release(page []byte) error
	Close() error
}

// DadaFileSource replays ringbuffer captures from disk: files holding an
// ASCII header block followed by raw page payloads, the way dada_dbdisk
// records them. Several files replay as one observation in the order
// given; the run header is taken from the first file and the header
// blocks of the later files are skipped.
type DadaFileSource struct {
	paths    []string
	header   []byte
	index    int
	file     *os.File
	pageSize int
	page     []byte
}

// OpenDadaFiles opens a replay over the given capture files.
func OpenDadaFiles(paths []string) (*DadaFileSource, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no capture files to replay")
	}
	f, err := os.Open(paths[0])
	if err != nil {
		return nil, fmt.Errorf("opening capture: %w", err)
	}
	header, err := readHeaderBlock(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", paths[0], err)
	}
	return &DadaFileSource{paths: paths, header: header, file: f}, nil
}

// readHeaderBlock reads the header block at the start of a capture file,
// honoring its HDR_SIZE key, and leaves the file positioned at the first
// data byte.
func readHeaderBlock(f *os.File) ([]byte, error) {
	block := make([]byte, defaultHeaderSize)
	n, err := io.ReadFull(f, block)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		block = block[:n]
	} else if err != nil {
		return nil, fmt.Errorf("reading header block: %w", err)
	}

	size := defaultHeaderSize
	if value, ok := parseHeaderKeywords(block)["HDR_SIZE"]; ok {
		m, err := strconv.Atoi(value)
		if err != nil || m <= 0 {
			return nil, fmt.Errorf("invalid HDR_SIZE %q in header block", value)
		}
		size = m
	}

	if size <= len(block) {
		if _, err := f.Seek(int64(size), io.SeekStart); err != nil {
			return nil, err
		}
		return block[:size], nil
	}
	if len(block) < defaultHeaderSize {
		return nil, fmt.Errorf("capture is shorter than its %d byte header block", size)
	}
	rest := make([]byte, size-defaultHeaderSize)
	if _, err := io.ReadFull(f, rest); err != nil {
		return nil, fmt.Errorf("reading header block: %w", err)
	}
	return append(block, rest...), nil
}

// Header returns the raw run header block of the observation.
func (s *DadaFileSource) Header() []byte {
	return s.header
}

// Start sets the page size and allocates the page buffer.
func (s *DadaFileSource) Start(pageSize int) error {
	if pageSize <= 0 {
		return fmt.Errorf("page size must be positive, got %d", pageSize)
	}
	s.pageSize = pageSize
	s.page = make([]byte, pageSize)
	return nil
}

// Next returns the next page, or ErrEndOfData once the capture is
// exhausted. A trailing fragment shorter than one page is dropped with a
// warning; an interrupted recording must not produce a truncated row.
func (s *DadaFileSource) Next(ctx context.Context) ([]byte, error) {
	if s.pageSize == 0 {
		return nil, fmt.Errorf("Start was not called on this source")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n, err := s.fill(s.page)
	if n == len(s.page) {
		return s.page, nil
	}
	if err == io.EOF {
		if n > 0 {
			log.Printf("WARNING: dropping trailing partial page of %d bytes", n)
		}
		return nil, ErrEndOfData
	}
	return nil, err
}

// fill reads until buf is full, continuing into the next capture file
// when the current one ends.
func (s *DadaFileSource) fill(buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		if s.file == nil {
			return total, io.EOF
		}
		n, err := s.file.Read(buf[total:])
		total += n
		if err == io.EOF {
			s.file.Close()
			s.file = nil
			s.index++
			if s.index < len(s.paths) {
				f, err := os.Open(s.paths[s.index])
				if err != nil {
					return total, fmt.Errorf("opening capture: %w", err)
				}
				if _, err := readHeaderBlock(f); err != nil {
					f.Close()
					return total, fmt.Errorf("%s: %w", s.paths[s.index], err)
				}
				s.file = f
			}
		} else if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Release acknowledges that the caller is done with a page. Replayed
// pages need no clearing, so this only upholds the PageSource contract.
func (s *DadaFileSource) Release(page []byte) error {
	return nil
}

// Close releases the current capture file, if any.
func (s *DadaFileSource) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
