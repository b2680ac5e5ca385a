package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/forge-project/forge/internal/config"
)

func TestStartWithRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := startWithRetry(ctx, "test", func(context.Context) error {
		calls++
		cancel()
		return errors.New("address in use")
	}, 3)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestStartWithRetry_Succeeds(t *testing.T) {
	err := startWithRetry(context.Background(), "test", func(context.Context) error { return nil }, 3)
	assert.NoError(t, err)
}

func TestNewOrchestrator_UsesPolicyFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Network.FailOnUserDisconnect = true

	o := newOrchestrator(cfg, "")
	assert.True(t, o.Policy().FailOnUserDisconnect)
	assert.Equal(t, 0, o.Active())
}
