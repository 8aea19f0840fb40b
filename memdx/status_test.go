package memdx

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusKindClassification(t *testing.T) {
	cases := []struct {
		status Status
		kind   StatusKind
	}{
		{StatusSuccess, StatusKindSuccess},
		{StatusSubdocSuccessDeleted, StatusKindSuccess},
		{StatusKeyNotFound, StatusKindKeyNotFound},
		{StatusNotMyVbucket, StatusKindNotMyVbucket},
		{StatusAuthStale, StatusKindAuthError},
		{StatusAuthError, StatusKindAuthError},
		{StatusBusy, StatusKindTmpFail},
		{StatusTmpFail, StatusKindTmpFail},
		{StatusOutOfMemory, StatusKindTmpFail},
		{StatusSubdocPathNotFound, StatusKindSubdoc},
		{StatusSubdocMultiPathFailure, StatusKindSubdoc},
		{Status(0xbeef), StatusKindUnknown},
	}
	for _, c := range cases {
		require.Equal(t, c.kind, c.status.Kind(), "status %#x", uint16(c.status))
	}
}

func TestStatusIsSuccess(t *testing.T) {
	require.True(t, StatusSuccess.IsSuccess())
	require.True(t, StatusSubdocSuccessDeleted.IsSuccess())
	require.False(t, StatusKeyNotFound.IsSuccess())
}

func TestErrorMapHasAttribute(t *testing.T) {
	raw := `{
		"version": 2,
		"revision": 1,
		"errors": {
			"0086": {"name": "ETMPFAIL", "desc": "temp fail", "attrs": ["retry-now", "temp"]}
		}
	}`
	var m ErrorMap
	require.NoError(t, json.Unmarshal([]byte(raw), &m))

	require.True(t, m.HasAttribute(StatusTmpFail, "retry-now"))
	require.False(t, m.HasAttribute(StatusTmpFail, "retry-later"))
	require.False(t, m.HasAttribute(StatusKeyNotFound, "retry-now"))
}

func TestErrorMapNilReceiverIsSafe(t *testing.T) {
	var m *ErrorMap
	require.False(t, m.HasAttribute(StatusTmpFail, "retry-now"))
}
