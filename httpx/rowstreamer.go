package httpx

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// rowStreamerState is the tiny state machine driving RowStreamer (spec.md
// §4.10).
type rowStreamerState int

const (
	stateStart rowStreamerState = iota
	stateRows
	statePostRows
	stateEnd
)

// ItemKind distinguishes the two kinds of item a RowStreamer emits.
type ItemKind int

const (
	ItemRow ItemKind = iota
	ItemMetadata
)

// Item is one value read from the stream: either one row's raw JSON bytes,
// or (once, at the end) the remaining top-level fields serialized back to a
// JSON object as Metadata.
type Item struct {
	Kind  ItemKind
	Bytes []byte
}

// RowStreamer decodes a top-level JSON object that carries one field (named
// RowsAttrib, e.g. "results" or "hits") whose value is an array, streaming
// each array element as a Row and the remaining top-level fields as a single
// trailing Metadata item (spec.md §4.10).
type RowStreamer struct {
	dec       *json.Decoder
	rowsAttrib string
	state     rowStreamerState

	// metaBuf accumulates the top-level key/value pairs seen before and
	// after the rows array, to be re-serialized as the Metadata item.
	metaBuf  bytes.Buffer
	metaKeys int

	err error
}

// NewRowStreamer constructs a streamer reading from r, expecting the rows
// array under the JSON key rowsAttrib.
func NewRowStreamer(r io.Reader, rowsAttrib string) *RowStreamer {
	return &RowStreamer{
		dec:        json.NewDecoder(bufio.NewReader(r)),
		rowsAttrib: rowsAttrib,
		state:      stateStart,
	}
}

// Next returns the next Item, or io.EOF once the stream is exhausted. An
// error mid-stream is surfaced and terminates the stream (spec.md §4.10).
func (s *RowStreamer) Next() (Item, error) {
	if s.err != nil {
		return Item{}, s.err
	}

	switch s.state {
	case stateStart:
		if err := s.readUntilRows(); err != nil {
			s.err = err
			return Item{}, err
		}
	case stateEnd:
		return Item{}, io.EOF
	}

	if s.state == stateRows {
		item, more, err := s.nextRow()
		if err != nil {
			s.err = err
			return Item{}, err
		}
		if more {
			return item, nil
		}
		s.state = statePostRows
	}

	if s.state == statePostRows {
		if err := s.readRemainingFields(); err != nil {
			s.err = err
			return Item{}, err
		}
		s.state = stateEnd
		s.metaBuf.WriteByte('}')
		return Item{Kind: ItemMetadata, Bytes: append([]byte(nil), s.metaBuf.Bytes()...)}, nil
	}

	return Item{}, io.EOF
}

// readUntilRows consumes the opening brace and top-level key/value pairs
// until it finds rowsAttrib followed by an array, buffering every
// non-matching pair into metaBuf so they are re-emitted in the trailing
// Metadata item.
func (s *RowStreamer) readUntilRows() error {
	tok, err := s.dec.Token()
	if err != nil {
		return fmt.Errorf("httpx: row streamer expected top-level object: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("httpx: row streamer expected top-level object, got %v", tok)
	}

	s.metaBuf.WriteByte('{')

	for s.dec.More() {
		keyTok, err := s.dec.Token()
		if err != nil {
			return fmt.Errorf("httpx: row streamer failed to read key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("httpx: row streamer expected string key, got %v", keyTok)
		}

		if key == s.rowsAttrib {
			delimTok, err := s.dec.Token()
			if err != nil {
				return fmt.Errorf("httpx: row streamer failed to read %q value: %w", key, err)
			}
			if delim, ok := delimTok.(json.Delim); !ok || delim != '[' {
				return fmt.Errorf("httpx: row streamer expected %q to be an array", key)
			}
			s.state = stateRows
			return nil
		}

		if err := s.bufferField(key); err != nil {
			return err
		}
	}

	return fmt.Errorf("httpx: row streamer never found rows field %q", s.rowsAttrib)
}

// nextRow reads one element of the rows array via one-row lookahead: it
// peeks whether the array has more elements before deciding whether this
// call returns a Row or signals the array closed.
func (s *RowStreamer) nextRow() (Item, bool, error) {
	if !s.dec.More() {
		// Consume the closing ']'.
		if _, err := s.dec.Token(); err != nil {
			return Item{}, false, fmt.Errorf("httpx: row streamer failed to close rows array: %w", err)
		}
		return Item{}, false, nil
	}

	var raw json.RawMessage
	if err := s.dec.Decode(&raw); err != nil {
		return Item{}, false, fmt.Errorf("httpx: row streamer failed to decode row: %w", err)
	}
	return Item{Kind: ItemRow, Bytes: []byte(raw)}, true, nil
}

// readRemainingFields buffers every top-level key/value pair after the rows
// array closes, then the final closing brace is appended by the caller.
func (s *RowStreamer) readRemainingFields() error {
	for s.dec.More() {
		keyTok, err := s.dec.Token()
		if err != nil {
			return fmt.Errorf("httpx: row streamer failed to read trailing key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("httpx: row streamer expected string key, got %v", keyTok)
		}
		if err := s.bufferField(key); err != nil {
			return err
		}
	}

	// Consume the closing '}' of the top-level object.
	if _, err := s.dec.Token(); err != nil {
		return fmt.Errorf("httpx: row streamer failed to close top-level object: %w", err)
	}
	return nil
}

func (s *RowStreamer) bufferField(key string) error {
	var raw json.RawMessage
	if err := s.dec.Decode(&raw); err != nil {
		return fmt.Errorf("httpx: row streamer failed to read field %q: %w", key, err)
	}

	if s.metaKeys > 0 {
		s.metaBuf.WriteByte(',')
	}
	s.metaKeys++

	keyJSON, err := json.Marshal(key)
	if err != nil {
		return err
	}
	s.metaBuf.Write(keyJSON)
	s.metaBuf.WriteByte(':')
	s.metaBuf.Write(raw)
	return nil
}
