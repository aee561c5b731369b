// Package record is a minimal stand-in for Piccolo's RecordFile
// (examples/pagerank.cc's get_reader/BuildGraph): a length-prefixed sequence
// of Page records, one graph node per record with its outbound edges
// inlined, read shard-by-shard by the PageRank kernel.
//
// No example repo in this pack ships a binary record-log format, so this
// follows internal/table's own Serialize/ApplyEncoded framing (4-byte
// length prefix + payload) rather than reaching for a third-party container
// format the PageRank example doesn't otherwise need.
package record

import (
	"encoding/json"
	"fmt"
	"io"
)

// Page is one graph node: its (site, id) identity and the (site, id) pairs
// of every page it links to, mirroring the protobuf Page message
// examples/pagerank.cc builds via BuildGraph.
type Page struct {
	Site       uint32   `json:"site"`
	ID         uint32   `json:"id"`
	TargetSite []uint32 `json:"target_site"`
	TargetID   []uint32 `json:"target_id"`
}

func writeFramed(w io.Writer, b []byte) error {
	var lenBuf [4]byte
	n := uint32(len(b))
	lenBuf[0] = byte(n >> 24)
	lenBuf[1] = byte(n >> 16)
	lenBuf[2] = byte(n >> 8)
	lenBuf[3] = byte(n)
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readFramed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := uint32(lenBuf[0])<<24 | uint32(lenBuf[1])<<16 | uint32(lenBuf[2])<<8 | uint32(lenBuf[3])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Writer appends Page records to an underlying stream, one per shard's
// graph file.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w as a Page record sink.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write appends one record.
func (rw *Writer) Write(p Page) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("record: encode: %w", err)
	}
	return writeFramed(rw.w, b)
}

// Reader reads back Page records written by Writer, in order.
type Reader struct {
	r io.Reader
}

// NewReader wraps r as a Page record source.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Read returns the next record, or io.EOF once the stream is exhausted.
func (rr *Reader) Read() (Page, error) {
	var p Page
	b, err := readFramed(rr.r)
	if err == io.EOF {
		return p, io.EOF
	}
	if err != nil {
		return p, fmt.Errorf("record: read frame: %w", err)
	}
	if err := json.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("record: decode: %w", err)
	}
	return p, nil
}

// ReadAll drains every remaining record from r.
func (rr *Reader) ReadAll() ([]Page, error) {
	var out []Page
	for {
		p, err := rr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
}
