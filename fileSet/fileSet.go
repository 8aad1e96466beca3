////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package fileSet maps a collection of files onto a dense sequence of
// fixed-size segments and reads or writes those segments against a bit vector
// of their state.
package fileSet

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"golang.org/x/crypto/blake2b"
)

// Errors returned when resolving a requested path.
var (
	ErrPathNotFound = errors.New("path not found")
	ErrAccessDenied = errors.New("path is outside of the root folder")
)

// Error messages.
const (
	errStreamCount    = "received %d streams for %d file headers"
	errResolvePath    = "failed to resolve %q: %+v"
	errWalkPath       = "failed to list files under %q: %+v"
	errOpenFile       = "failed to open file %q: %+v"
	errCreateDir      = "failed to create directory for %q: %+v"
	errTruncateFile   = "failed to size file %q to %d bytes: %+v"
	errChecksumFile   = "failed to checksum file %q: %+v"
	errChecksumVerify = "checksum mismatch on file %q"
	errCloseFile      = "failed to close file %q: %+v"
	errDeleteFile     = "failed to delete file %q: %+v"
)

// Stream is the byte-addressable storage behind one file of a FileSet. It is
// satisfied by *os.File.
type Stream interface {
	io.ReaderAt
	io.WriteSeeker
	Sync() error
	Close() error
}

// FileChunk is one segment of a FileSet with the stream and header it belongs
// to.
type FileChunk struct {
	Stream Stream
	Header *FileHeader
	Block  FileBlockRange

	// Index of the header (and stream) in the FileSet
	fileIndex int
}

// FileSet owns the open streams for a list of file headers and exposes their
// chunks indexed by segment ID.
type FileSet struct {
	headers []*FileHeader
	streams []Stream
	chunks  []FileChunk

	// Paths of files created on disk by CreateWriteFileSet
	paths []string
}

// NewFileSet creates a FileSet from headers and one stream per header. File
// names must be unique and segment IDs must be dense.
func NewFileSet(headers []*FileHeader, streams []Stream) (*FileSet, error) {
	if len(headers) != len(streams) {
		return nil, errors.Errorf(errStreamCount, len(streams), len(headers))
	}
	if err := verifyHeaders(headers); err != nil {
		return nil, err
	}

	set := &FileSet{
		headers: headers,
		streams: streams,
	}
	for i, fh := range headers {
		for _, b := range fh.Blocks {
			set.chunks = append(set.chunks, FileChunk{
				Stream:    streams[i],
				Header:    fh,
				Block:     b,
				fileIndex: i,
			})
		}
	}

	return set, nil
}

// OpenReadFileSet resolves requestPath under root and opens every file it
// names for reading. A file yields a set of one file named after its base
// name; a directory yields every regular file below it in lexical order,
// named relative to the directory. Checksums are computed for each file.
func OpenReadFileSet(root, requestPath string, segmentSize int) (*FileSet, error) {
	full, err := resolve(root, requestPath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrPathNotFound, "%q", requestPath)
		}
		return nil, errors.Errorf(errResolvePath, requestPath, err)
	}

	var names, paths []string
	var sizes []int64
	if !info.IsDir() {
		names = []string{filepath.Base(full)}
		paths = []string{full}
		sizes = []int64{info.Size()}
	} else {
		err = filepath.WalkDir(full, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			fi, err := d.Info()
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(full, p)
			if err != nil {
				return err
			}
			names = append(names, filepath.ToSlash(rel))
			paths = append(paths, p)
			sizes = append(sizes, fi.Size())
			return nil
		})
		if err != nil {
			return nil, errors.Errorf(errWalkPath, requestPath, err)
		}
	}

	headers, _, err := NewFileHeaders(names, sizes, segmentSize)
	if err != nil {
		return nil, err
	}

	streams := make([]Stream, 0, len(paths))
	closeAll := func() {
		for _, s := range streams {
			_ = s.Close()
		}
	}
	for i, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			closeAll()
			return nil, errors.Errorf(errOpenFile, p, err)
		}
		streams = append(streams, f)

		headers[i].Checksum, err = checksum(f)
		if err != nil {
			closeAll()
			return nil, errors.Errorf(errChecksumFile, p, err)
		}
	}

	set, err := NewFileSet(headers, streams)
	if err != nil {
		closeAll()
		return nil, err
	}
	jww.DEBUG.Printf("[MC] Opened %d files under %q for reading (%d segments)",
		len(headers), requestPath, set.NumSegments())

	return set, nil
}

// CreateWriteFileSet creates (or truncates) every file named in headers under
// root, sized to its final length, and opens them for writing.
func CreateWriteFileSet(root string, headers []*FileHeader) (*FileSet, error) {
	if err := verifyHeaders(headers); err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(headers))
	streams := make([]Stream, 0, len(headers))
	cleanup := func() {
		for _, s := range streams {
			_ = s.Close()
		}
		for _, p := range paths {
			_ = os.Remove(p)
		}
	}

	for _, fh := range headers {
		p, err := resolve(root, fh.Name)
		if err != nil {
			cleanup()
			return nil, err
		}

		if err = os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			cleanup()
			return nil, errors.Errorf(errCreateDir, fh.Name, err)
		}

		f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			cleanup()
			return nil, errors.Errorf(errOpenFile, p, err)
		}
		paths = append(paths, p)
		streams = append(streams, f)

		if err = f.Truncate(fh.Size()); err != nil {
			cleanup()
			return nil, errors.Errorf(errTruncateFile, p, fh.Size(), err)
		}
	}

	set, err := NewFileSet(headers, streams)
	if err != nil {
		cleanup()
		return nil, err
	}
	set.paths = paths

	return set, nil
}

// Headers returns the file headers of the set.
func (s *FileSet) Headers() []*FileHeader {
	return s.headers
}

// NumSegments returns the total number of segments in the set.
func (s *FileSet) NumSegments() int {
	return len(s.chunks)
}

// Chunk returns the chunk for the given segment ID.
func (s *FileSet) Chunk(segmentID int) FileChunk {
	return s.chunks[segmentID]
}

// Chunks calls fn for every chunk in segment order until fn returns false.
func (s *FileSet) Chunks(fn func(FileChunk) bool) {
	for _, c := range s.chunks {
		if !fn(c) {
			return
		}
	}
}

// VerifyChecksums rereads every file and compares it to the checksum in its
// header. Headers without a checksum are skipped.
func (s *FileSet) VerifyChecksums() error {
	for i, fh := range s.headers {
		if len(fh.Checksum) == 0 {
			continue
		}
		sum, err := checksum(io.NewSectionReader(s.streams[i], 0, fh.Size()))
		if err != nil {
			return errors.Errorf(errChecksumFile, fh.Name, err)
		}
		if !bytes.Equal(sum, fh.Checksum) {
			return errors.Errorf(errChecksumVerify, fh.Name)
		}
	}
	return nil
}

// Flush syncs every stream in parallel.
func (s *FileSet) Flush() error {
	var wg sync.WaitGroup
	errs := make([]error, len(s.streams))
	for i, stream := range s.streams {
		wg.Add(1)
		go func(i int, stream Stream) {
			defer wg.Done()
			errs[i] = stream.Sync()
		}(i, stream)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Close closes every stream. Returns the first error encountered.
func (s *FileSet) Close() error {
	var firstErr error
	for i, stream := range s.streams {
		if err := stream.Close(); err != nil && firstErr == nil {
			firstErr = errors.Errorf(errCloseFile, s.headers[i].Name, err)
		}
	}
	return firstErr
}

// Delete closes the set and removes the files it created. Sets not made by
// CreateWriteFileSet delete nothing.
func (s *FileSet) Delete() error {
	_ = s.Close()

	var firstErr error
	for _, p := range s.paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) &&
			firstErr == nil {
			firstErr = errors.Errorf(errDeleteFile, p, err)
		}
	}
	return firstErr
}

// resolve joins a slash-separated relative name onto root, refusing names
// that escape root.
func resolve(root, name string) (string, error) {
	cleaned := path.Clean(
		strings.TrimPrefix(strings.ReplaceAll(name, "\\", "/"), "/"))
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.Wrapf(ErrAccessDenied, "%q", name)
	}
	return filepath.Join(root, filepath.FromSlash(cleaned)), nil
}

// checksum returns the BLAKE2b-256 hash of everything read from r.
func checksum(r io.Reader) ([]byte, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}
	if _, err = io.Copy(h, r); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
