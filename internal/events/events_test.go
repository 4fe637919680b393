package events

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	subjects []string
	payloads [][]byte
	fail     bool
}

func (c *capturePublisher) Publish(subject string, data []byte) error {
	if c.fail {
		return errors.New("nats down")
	}
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func TestLogAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	l, err := Open(path, nil, "", zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, l.Emit(Event{Type: TypeSignal, Coin: "BTC", Payload: map[string]interface{}{"allowed": true}}))
	require.NoError(t, l.Emit(Event{Type: TypePositionClosed, Coin: "BTC", Payload: map[string]interface{}{"pnl": 42.5}}))
	require.NoError(t, l.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var evs []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		evs = append(evs, ev)
	}
	require.NoError(t, sc.Err())

	require.Len(t, evs, 2)
	assert.Equal(t, TypeSignal, evs[0].Type)
	assert.Equal(t, TypePositionClosed, evs[1].Type)
	assert.False(t, evs[0].At.IsZero())
	assert.InDelta(t, 42.5, evs[1].Payload["pnl"].(float64), 1e-9)
}

func TestLogPublishesWithMappedSubjects(t *testing.T) {
	pub := &capturePublisher{}
	l, err := Open(filepath.Join(t.TempDir(), "events.jsonl"), pub, "quantloop.events", zerolog.Nop())
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Emit(Event{Type: TypeOrder, Coin: "ETH"}))
	require.NoError(t, l.Emit(Event{Type: TypePositionClosed, Coin: "ETH"}))

	require.Len(t, pub.subjects, 2)
	assert.Equal(t, "quantloop.events.order", pub.subjects[0])
	assert.Equal(t, "quantloop.events.position.closed", pub.subjects[1])
}

func TestLogPublishFailureDoesNotFailEmit(t *testing.T) {
	pub := &capturePublisher{fail: true}
	path := filepath.Join(t.TempDir(), "events.jsonl")
	l, err := Open(path, pub, "", zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, l.Emit(Event{Type: TypeStale, Coin: "BTC"}))
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"stale"`)
}
