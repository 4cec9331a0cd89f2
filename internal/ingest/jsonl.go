// Package ingest streams raw input records into the pipeline from the
// two supported historical sources: line-delimited JSON capture files
// and columnar event files.
//
// Both readers report a (file, offset) position after every record so
// the checkpoint manager can persist an exact resume point.
package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"marketreplay/pkg/types"
)

// JSONLReader streams records from a line-delimited JSON capture.
// Numbers are decoded as json.Number so decimal text survives intact.
type JSONLReader struct {
	path   string
	f      *os.File
	r      *bufio.Reader
	offset int64
}

// OpenJSONL opens a capture file at its beginning.
func OpenJSONL(path string) (*JSONLReader, error) {
	return OpenJSONLAt(path, 0)
}

// OpenJSONLAt opens a capture file at a byte offset recorded by a
// previous run.
func OpenJSONLAt(path string, offset int64) (*JSONLReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture: %w", err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("seek capture to %d: %w", offset, err)
		}
	}
	return &JSONLReader{
		path:   path,
		f:      f,
		r:      bufio.NewReaderSize(f, 256*1024),
		offset: offset,
	}, nil
}

// Next returns the next record. io.EOF signals a clean end of file.
// Blank lines are skipped; an unparseable line is returned as a
// malformed-input error with the offset already advanced past it, so
// the caller can count and continue.
func (j *JSONLReader) Next() (types.RawRecord, error) {
	for {
		line, err := j.r.ReadBytes('\n')
		j.offset += int64(len(line))
		if len(bytes.TrimSpace(line)) == 0 {
			if err != nil {
				return nil, io.EOF
			}
			continue
		}
		if err != nil && err != io.EOF {
			return nil, err
		}

		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		var rec types.RawRecord
		if derr := dec.Decode(&rec); derr != nil {
			return nil, &types.MalformedInputError{Field: "line", Reason: derr.Error()}
		}
		return rec, nil
	}
}

// Offset returns the byte position after the last returned record.
func (j *JSONLReader) Offset() int64 { return j.offset }

// Name returns the underlying file path.
func (j *JSONLReader) Name() string { return j.path }

// Close releases the file handle.
func (j *JSONLReader) Close() error { return j.f.Close() }
