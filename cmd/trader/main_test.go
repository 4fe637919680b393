package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantloop/quantloop/internal/config"
	"github.com/quantloop/quantloop/internal/exchange"
)

func TestNewVenueMockIsPaper(t *testing.T) {
	cfg := &config.Config{}
	cfg.Exchange.Venue = "mock"
	cfg.Trading.Coins = []string{"BTC"}
	cfg.Risk.MaxLeverage = 10

	venue, mode, err := newVenue(cfg)
	require.NoError(t, err)
	assert.Equal(t, "paper", mode)
	_, ok := venue.(*exchange.MockExchange)
	assert.True(t, ok)
}

func TestNewVenueRejectsKeyWithoutSigner(t *testing.T) {
	cfg := &config.Config{}
	cfg.Exchange.Venue = "hyperliquid"
	cfg.Exchange.BaseURL = "https://api.hyperliquid.xyz"
	cfg.Exchange.PrivateKey = "0xdeadbeef"

	_, _, err := newVenue(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signer")
}

func TestNewVenueHyperliquidReadOnly(t *testing.T) {
	cfg := &config.Config{}
	cfg.Exchange.Venue = "hyperliquid"
	cfg.Exchange.BaseURL = "https://api.hyperliquid.xyz"

	venue, mode, err := newVenue(cfg)
	require.NoError(t, err)
	assert.Equal(t, "live", mode)
	assert.NotNil(t, venue)
}
