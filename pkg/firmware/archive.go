// Package firmware finds the firmware image for the connected bootloader
// inside a release archive and extracts it to a working file.
package firmware

import (
	"archive/tar"
	"bufio"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

// Format is an archive container format.
type Format int

const (
	FormatUnknown Format = iota
	FormatZip
	FormatTar
	FormatTarGzip
)

func (f Format) String() string {
	switch f {
	case FormatZip:
		return "zip"
	case FormatTar:
		return "tar"
	case FormatTarGzip:
		return "tar.gz"
	default:
		return "unknown"
	}
}

var (
	zipMagic      = []byte("PK\x03\x04")
	zipEmptyMagic = []byte("PK\x05\x06")
	gzipMagic     = []byte{0x1f, 0x8b}
	tarMagic      = []byte("ustar")
)

const tarMagicOffset = 257

// Detect sniffs the container format from the first bytes of an archive.
func Detect(header []byte) Format {
	switch {
	case bytes.HasPrefix(header, zipMagic), bytes.HasPrefix(header, zipEmptyMagic):
		return FormatZip
	case bytes.HasPrefix(header, gzipMagic):
		return FormatTarGzip
	case len(header) >= tarMagicOffset+len(tarMagic) &&
		bytes.Equal(header[tarMagicOffset:tarMagicOffset+len(tarMagic)], tarMagic):
		return FormatTar
	default:
		return FormatUnknown
	}
}

// Entry is one regular file in an archive. Open is only valid during the
// WalkFunc call that received the entry.
type Entry struct {
	Name string

	// Size is the uncompressed size, CompressedSize the stored size or 0
	// when the container does not record it per entry.
	Size           int64
	CompressedSize int64

	open func() (io.ReadCloser, error)
}

// Open decompresses the entry.
func (e *Entry) Open() (io.ReadCloser, error) { return e.open() }

// WalkFunc is called for each entry in container order. Returning
// fs.SkipAll stops the walk without error.
type WalkFunc func(e *Entry) error

// Walk opens the archive at path and calls fn for every regular file in it.
func Walk(path string, fn WalkFunc) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	header, err := br.Peek(tarMagicOffset + len(tarMagic))
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return fmt.Errorf("failed to read archive header: %w", err)
	}

	format := Detect(header)
	switch format {
	case FormatZip:
		err = walkZip(f, fn)
	case FormatTar:
		err = walkTar(br, fn)
	case FormatTarGzip:
		err = walkTarGzip(br, fn)
	default:
		return fmt.Errorf("unrecognized archive format")
	}

	if err == fs.SkipAll {
		return nil
	}
	return err
}

func walkZip(f *os.File, fn WalkFunc) error {
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}

	zr, err := zip.NewReader(f, fi.Size())
	if err != nil {
		return fmt.Errorf("failed to read zip: %w", err)
	}

	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		e := &Entry{
			Name:           zf.Name,
			Size:           int64(zf.UncompressedSize64),
			CompressedSize: int64(zf.CompressedSize64),
			open:           zf.Open,
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func walkTarGzip(r io.Reader, fn WalkFunc) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("failed to read gzip: %w", err)
	}
	defer gz.Close()

	return walkTar(gz, fn)
}

func walkTar(r io.Reader, fn WalkFunc) error {
	tr := tar.NewReader(r)

	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tar read error: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		e := &Entry{
			Name: header.Name,
			Size: header.Size,
			open: func() (io.ReadCloser, error) { return io.NopCloser(tr), nil },
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}
