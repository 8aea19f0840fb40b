package httpx

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainRows(t *testing.T, s *RowStreamer) ([]string, string) {
	t.Helper()
	var rows []string
	var meta string
	for {
		item, err := s.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		switch item.Kind {
		case ItemRow:
			rows = append(rows, string(item.Bytes))
		case ItemMetadata:
			meta = string(item.Bytes)
		}
	}
	return rows, meta
}

func TestRowStreamerEmitsRowsThenMetadata(t *testing.T) {
	body := `{"requestID":"abc","results":[{"a":1},{"a":2},{"a":3}],"status":"success"}`
	s := NewRowStreamer(strings.NewReader(body), "results")

	rows, meta := drainRows(t, s)

	require.Len(t, rows, 3)
	assert.JSONEq(t, `{"a":1}`, rows[0])
	assert.JSONEq(t, `{"a":2}`, rows[1])
	assert.JSONEq(t, `{"a":3}`, rows[2])
	assert.JSONEq(t, `{"requestID":"abc","status":"success"}`, meta)
}

func TestRowStreamerEmptyRowsArray(t *testing.T) {
	body := `{"hits":[],"total":0}`
	s := NewRowStreamer(strings.NewReader(body), "hits")

	rows, meta := drainRows(t, s)

	assert.Empty(t, rows)
	assert.JSONEq(t, `{"total":0}`, meta)
}

func TestRowStreamerFieldsBeforeAndAfterRows(t *testing.T) {
	body := `{"a":1,"results":[{"x":1}],"b":2,"c":3}`
	s := NewRowStreamer(strings.NewReader(body), "results")

	rows, meta := drainRows(t, s)

	require.Len(t, rows, 1)
	assert.JSONEq(t, `{"a":1,"b":2,"c":3}`, meta)
}

func TestRowStreamerConfigurableRowsAttrib(t *testing.T) {
	body := `{"hits":[{"id":"doc1"}]}`
	s := NewRowStreamer(strings.NewReader(body), "hits")

	rows, _ := drainRows(t, s)
	require.Len(t, rows, 1)
	assert.JSONEq(t, `{"id":"doc1"}`, rows[0])
}

func TestRowStreamerMissingRowsFieldErrors(t *testing.T) {
	body := `{"status":"success"}`
	s := NewRowStreamer(strings.NewReader(body), "results")

	_, err := s.Next()
	require.Error(t, err)
}

func TestRowStreamerMalformedJSONErrorsMidStream(t *testing.T) {
	body := `{"results":[{"a":1},not-json`
	s := NewRowStreamer(strings.NewReader(body), "results")

	item, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, ItemRow, item.Kind)

	_, err = s.Next()
	require.Error(t, err, "malformed element must surface an error and terminate the stream")

	_, err = s.Next()
	require.Error(t, err, "a streamer that has errored must keep returning the error")
}

func TestRowStreamerNotATopLevelObjectErrors(t *testing.T) {
	s := NewRowStreamer(strings.NewReader(`[1,2,3]`), "results")
	_, err := s.Next()
	require.Error(t, err)
}

func TestRowStreamerRowsFieldNotAnArrayErrors(t *testing.T) {
	s := NewRowStreamer(strings.NewReader(`{"results":"not-an-array"}`), "results")
	_, err := s.Next()
	require.Error(t, err)
}
