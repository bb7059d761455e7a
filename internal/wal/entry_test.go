package wal

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paylane/inference-gateway/internal/clockid"
)

func TestNewEntryVerifyRoundTrip(t *testing.T) {
	e, err := NewEntry(clockid.SystemClock{}, 0, 1, "reserve", map[string]any{"account": "key:abc", "amount": 100})
	require.NoError(t, err)
	require.NoError(t, e.Verify())
	assert.Len(t, e.EntryID, 26)
}

func TestEntryVerifyDetectsTamperedPayload(t *testing.T) {
	e, err := NewEntry(clockid.SystemClock{}, 0, 1, "reserve", map[string]any{"amount": 100})
	require.NoError(t, err)

	e.Payload = json.RawMessage(`{"amount":999}`)
	assert.ErrorIs(t, e.Verify(), ErrChecksumMismatch)
}

func TestEntryEncodeDecodeRoundTrip(t *testing.T) {
	e, err := NewEntry(clockid.SystemClock{}, 42, 7, "finalize", map[string]any{"reservation_id": "r1"})
	require.NoError(t, err)

	line, err := e.encode()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(line), "\n"))

	decoded, err := decodeEntry(bytes.TrimSuffix(line, []byte("\n")))
	require.NoError(t, err)
	assert.Equal(t, e, decoded)
	require.NoError(t, decoded.Verify())
}

func TestStreamAppliesEntriesInOrderAndStopsOnCorruption(t *testing.T) {
	e1, err := NewEntry(clockid.SystemClock{}, 0, 1, "reserve", map[string]any{"n": 1})
	require.NoError(t, err)
	e2, err := NewEntry(clockid.SystemClock{}, 10, 1, "finalize", map[string]any{"n": 2})
	require.NoError(t, err)

	line1, err := e1.encode()
	require.NoError(t, err)
	line2, err := e2.encode()
	require.NoError(t, err)

	var buf bytes.Buffer
	buf.Write(line1)
	buf.Write(line2)

	var applied []Entry
	count, err := Stream(&buf, func(e Entry) error {
		applied = append(applied, e)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	require.Len(t, applied, 2)
	assert.Equal(t, e1.EntryID, applied[0].EntryID)
	assert.Equal(t, e2.EntryID, applied[1].EntryID)
}

func TestStreamStopsAtChecksumMismatch(t *testing.T) {
	e1, err := NewEntry(clockid.SystemClock{}, 0, 1, "reserve", map[string]any{"n": 1})
	require.NoError(t, err)
	e1.Checksum ^= 0xFFFFFFFF // corrupt
	line, err := e1.encode()
	require.NoError(t, err)

	count, err := Stream(bytes.NewReader(line), func(Entry) error { return nil })
	assert.Equal(t, 0, count)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestStreamSkipsBlankLines(t *testing.T) {
	e, err := NewEntry(clockid.SystemClock{}, 0, 1, "reserve", map[string]any{"n": 1})
	require.NoError(t, err)
	line, err := e.encode()
	require.NoError(t, err)

	var buf bytes.Buffer
	buf.WriteString("\n")
	buf.Write(line)
	buf.WriteString("\n")

	count, err := Stream(&buf, func(Entry) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
