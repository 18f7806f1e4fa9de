// Package stream reads and writes the newline-delimited record format used by
// the object download endpoint and the local cache:
//
//	<id>\t<json-encoded record>\n
package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	errs "github.com/specklesystems/speckle-server-sub009/errors"
)

// Record is one raw line of a record stream.
type Record struct {
	ID   string
	JSON string
}

// Decode parses the record body. Failures name the record id.
func (r Record) Decode() (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(r.JSON), &obj); err != nil {
		return nil, errs.Parse(r.ID, err)
	}
	if obj == nil {
		return nil, errs.Parse(r.ID, fmt.Errorf("record is not an object"))
	}
	return obj, nil
}

// ParseLine splits a single line (without its newline) into a record.
func ParseLine(line string) (Record, error) {
	line = strings.TrimRight(line, "\r")
	id, body, ok := strings.Cut(line, "\t")
	if !ok || id == "" {
		preview := line
		if len(preview) > 40 {
			preview = preview[:40]
		}
		return Record{}, errs.Parse("", fmt.Errorf("malformed line %q", preview))
	}
	return Record{ID: id, JSON: body}, nil
}

// Parser yields records from a byte stream as they arrive. Records split
// across read boundaries are reassembled; lines have no length limit.
type Parser struct {
	r    *bufio.Reader
	line int
}

// NewParser wraps r.
func NewParser(r io.Reader) *Parser {
	return &Parser{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next record, or io.EOF once the stream is exhausted.
// Empty lines are skipped. A malformed line yields a parse error; the
// parser stays usable and the caller may keep reading.
func (p *Parser) Next() (Record, error) {
	for {
		raw, err := p.r.ReadString('\n')
		if len(raw) == 0 && err != nil {
			return Record{}, err
		}
		p.line++

		line := strings.TrimRight(raw, "\r\n")
		if line == "" {
			if err != nil {
				return Record{}, err
			}
			continue
		}

		rec, perr := ParseLine(line)
		if perr != nil {
			return Record{}, fmt.Errorf("line %d: %w", p.line, perr)
		}
		return rec, nil
	}
}

// Each calls fn for every record in r. Malformed lines are passed to onErr
// (when non-nil) and skipped; fn errors stop the iteration.
func Each(r io.Reader, fn func(Record) error, onErr func(error)) error {
	p := NewParser(r)
	for {
		rec, err := p.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if errors.Is(err, errs.ErrParse) {
				if onErr != nil {
					onErr(err)
				}
				continue
			}
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// Format renders one record line including the trailing newline.
func Format(id, body string) string {
	return id + "\t" + body + "\n"
}

// Writer emits record lines.
type Writer struct {
	w   io.Writer
	buf bytes.Buffer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write emits one record.
func (w *Writer) Write(id string, body []byte) error {
	w.buf.Reset()
	w.buf.WriteString(id)
	w.buf.WriteByte('\t')
	w.buf.Write(body)
	w.buf.WriteByte('\n')
	_, err := w.w.Write(w.buf.Bytes())
	return err
}
