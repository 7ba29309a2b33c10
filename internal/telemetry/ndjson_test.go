package telemetry

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visor-run/visor/internal/dispatcher"
)

func TestFileSink_AppendsOneLinePerEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.ndjson")
	fs, err := NewFileSink(path)
	require.NoError(t, err)

	sink := fs.Sink()
	sink(dispatcher.Event{Kind: dispatcher.EventCheckStart, CheckID: "lint", Scope: "root", At: time.Now()})
	sink(dispatcher.Event{Kind: dispatcher.EventCheckSuccess, CheckID: "lint", Scope: "root", At: time.Now()})
	require.NoError(t, fs.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		lines = append(lines, e)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, dispatcher.EventCheckStart, lines[0].Kind)
	assert.Equal(t, "lint", lines[0].CheckID)
	assert.Equal(t, dispatcher.EventCheckSuccess, lines[1].Kind)
}

func TestFileSink_AppendsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.ndjson")

	fs1, err := NewFileSink(path)
	require.NoError(t, err)
	fs1.Sink()(dispatcher.Event{Kind: dispatcher.EventLog, Message: "first"})
	require.NoError(t, fs1.Close())

	fs2, err := NewFileSink(path)
	require.NoError(t, err)
	fs2.Sink()(dispatcher.Event{Kind: dispatcher.EventLog, Message: "second"})
	require.NoError(t, fs2.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)

	var count int
	scanner := bufio.NewScanner(bytes.NewReader(b))
	for scanner.Scan() {
		count++
	}
	assert.Equal(t, 2, count)
}
