package importer

// decoder.go turns an uploaded spreadsheet into an ordered sequence of row
// records without loading the whole table into memory.
//
// The CSV implementation wraps the input reader to handle common file issues
// on the fly:
//
//   - BOM skipping: removes the UTF-8 BOM Windows tools prepend
//   - UTF-8 sanitization: replaces invalid sequences with U+FFFD
//
// Both transforms work in O(buffer) memory regardless of file size.

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// Row is one decoded spreadsheet row. Number is the 1-based data row
// position in the source file (the header does not count).
type Row struct {
	Number int
	Fields map[string]string // raw header name -> raw cell value
}

// RowDecoder produces rows in file order. Next returns io.EOF after the
// last row.
type RowDecoder interface {
	// Headers returns the column names found in the file.
	Headers() []string

	Next() (Row, error)
}

// maxHeaderSearchRows bounds the scan for a non-empty header line.
const maxHeaderSearchRows = 20

// CSVDecoder is the RowDecoder for comma-separated files.
type CSVDecoder struct {
	reader  *csv.Reader
	headers []string
	rowNum  int
}

// NewCSVDecoder locates the header row and prepares streaming decode.
// The reader is consumed incrementally; the caller keeps ownership and
// closes it after the last Next.
func NewCSVDecoder(r io.Reader) (*CSVDecoder, error) {
	cr := csv.NewReader(newSanitizingReader(r))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	// The header is the first row with at least one non-empty cell within
	// the search bound.
	var headers []string
	for i := 0; i < maxHeaderSearchRows; i++ {
		rec, err := cr.Read()
		if err == io.EOF {
			return nil, fmt.Errorf("empty file: no header row found")
		}
		if err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
		if !isEmptyRecord(rec) {
			headers = cleanHeaders(rec)
			break
		}
	}
	if headers == nil {
		return nil, fmt.Errorf("no header row found in first %d lines", maxHeaderSearchRows)
	}

	return &CSVDecoder{reader: cr, headers: headers}, nil
}

// Headers implements RowDecoder.
func (d *CSVDecoder) Headers() []string {
	return d.headers
}

// Next implements RowDecoder. Empty lines are skipped without consuming a
// row number.
func (d *CSVDecoder) Next() (Row, error) {
	for {
		rec, err := d.reader.Read()
		if err == io.EOF {
			return Row{}, io.EOF
		}
		if err != nil {
			return Row{}, fmt.Errorf("read row: %w", err)
		}
		if isEmptyRecord(rec) {
			continue
		}

		d.rowNum++
		fields := make(map[string]string, len(d.headers))
		for i, h := range d.headers {
			if i < len(rec) {
				fields[h] = strings.TrimSpace(rec[i])
			}
		}
		return Row{Number: d.rowNum, Fields: fields}, nil
	}
}

func isEmptyRecord(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func cleanHeaders(rec []string) []string {
	out := make([]string, len(rec))
	for i, h := range rec {
		out[i] = strings.TrimSpace(h)
	}
	return out
}

// newSanitizingReader stacks the BOM skipper and UTF-8 sanitizer.
func newSanitizingReader(r io.Reader) io.Reader {
	return newUTF8Sanitizer(newBOMSkipper(r))
}

// bomSkipper removes a leading UTF-8 BOM (0xEF 0xBB 0xBF).
type bomSkipper struct {
	reader  io.Reader
	checked bool
}

func newBOMSkipper(r io.Reader) *bomSkipper {
	return &bomSkipper{reader: r}
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func (b *bomSkipper) Read(p []byte) (int, error) {
	if !b.checked {
		b.checked = true

		head := make([]byte, len(utf8BOM))
		n, err := io.ReadFull(b.reader, head)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			head = head[:n]
		} else if err != nil {
			return 0, err
		}

		if !bytes.Equal(head, utf8BOM) && len(head) > 0 {
			b.reader = io.MultiReader(bytes.NewReader(head), b.reader)
		}
	}
	return b.reader.Read(p)
}

// utf8Sanitizer replaces invalid UTF-8 sequences with the replacement
// character as bytes stream through.
type utf8Sanitizer struct {
	reader io.Reader

	// pending holds a possibly-incomplete multi-byte sequence carried over
	// from the previous read.
	pending []byte
	out     bytes.Buffer
}

func newUTF8Sanitizer(r io.Reader) *utf8Sanitizer {
	return &utf8Sanitizer{
		reader:  r,
		pending: make([]byte, 0, utf8.UTFMax),
	}
}

func (s *utf8Sanitizer) Read(p []byte) (int, error) {
	for s.out.Len() == 0 {
		buf := make([]byte, 4096)
		n := copy(buf, s.pending)
		s.pending = s.pending[:0]

		m, err := s.reader.Read(buf[n:])
		n += m
		atEOF := err == io.EOF

		if n == 0 {
			if err != nil {
				return 0, err
			}
			continue
		}

		data := buf[:n]
		for len(data) > 0 {
			r, size := utf8.DecodeRune(data)
			if r == utf8.RuneError && size == 1 {
				// An incomplete trailing sequence may complete on the
				// next read; hold it back unless the stream ended.
				if !atEOF && len(data) < utf8.UTFMax && !utf8.FullRune(data) {
					s.pending = append(s.pending, data...)
					break
				}
				s.out.WriteRune(utf8.RuneError)
				data = data[1:]
			} else {
				s.out.Write(data[:size])
				data = data[size:]
			}
		}

		if err != nil && !atEOF {
			n, _ := s.out.Read(p)
			return n, err
		}
		if atEOF && s.out.Len() == 0 && len(s.pending) == 0 {
			return 0, io.EOF
		}
	}
	return s.out.Read(p)
}
