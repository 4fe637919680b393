package alerts

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantloop/quantloop/internal/strategy"
)

// captureAlerter records sent alerts and can be scripted to fail.
type captureAlerter struct {
	sent []Alert
	fail bool
}

func (c *captureAlerter) Send(_ context.Context, alert Alert) error {
	if c.fail {
		return errors.New("channel down")
	}
	c.sent = append(c.sent, alert)
	return nil
}

func TestManagerFansOut(t *testing.T) {
	a := &captureAlerter{}
	b := &captureAlerter{}
	m := NewManager(a, b)

	require.NoError(t, m.SendWarning(context.Background(), "title", "message", nil))
	require.Len(t, a.sent, 1)
	require.Len(t, b.sent, 1)
	assert.Equal(t, SeverityWarning, a.sent[0].Severity)
	assert.False(t, a.sent[0].Timestamp.IsZero())
}

func TestManagerFailedChannelDoesNotBlockOthers(t *testing.T) {
	broken := &captureAlerter{fail: true}
	working := &captureAlerter{}
	m := NewManager(broken, working)

	err := m.SendCritical(context.Background(), "sl failed", "stop order rejected", nil)
	assert.Error(t, err)
	require.Len(t, working.sent, 1)
	assert.Equal(t, SeverityCritical, working.sent[0].Severity)
}

func TestNotifyTradeFormatsLegs(t *testing.T) {
	a := &captureAlerter{}
	m := NewManager(a)

	err := m.NotifyTrade(context.Background(), "BTC", "long", 0.1, 50000, 49000,
		[]strategy.TakeProfit{
			{Price: 51000, PctOfPosition: 0.5},
			{Price: 52000, PctOfPosition: 0.5},
		}, 100)
	require.NoError(t, err)
	require.Len(t, a.sent, 1)

	msg := a.sent[0].Message
	assert.Contains(t, msg, "LONG BTC")
	assert.Contains(t, msg, "SL 49000")
	assert.Contains(t, msg, "TP1 51000 (50%)")
	assert.Contains(t, msg, "TP2 52000 (50%)")
	assert.Contains(t, msg, "Risk $100.00")
}
