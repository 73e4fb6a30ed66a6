//go:build !windows

package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kryndex/spectron/pkg/app"
	"github.com/Kryndex/spectron/pkg/apptest"
)

func TestStop_EscalatesToKill(t *testing.T) {
	a := newApp(t, apptest.ModeHang, nil, app.WithTimeouts(app.Timeouts{
		QuitGrace: 200 * time.Millisecond,
		Terminate: 200 * time.Millisecond,
	}))
	startApp(t, a)

	began := time.Now()
	require.NoError(t, a.Stop(context.Background()))
	assert.Less(t, time.Since(began), 10*time.Second)

	code, exited := a.ExitCode()
	assert.True(t, exited)
	assert.Equal(t, -1, code, "killed by signal")
	assert.Equal(t, app.StateIdle, a.State())
}
