package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/schedopt/pkg/logging"
)

func TestShutdownRunsHooksLIFOOnce(t *testing.T) {
	m := New(time.Second, logging.Discard())

	var order []string
	m.Register("store", func(context.Context) error { order = append(order, "store"); return nil })
	m.Register("executor", func(context.Context) error { order = append(order, "executor"); return nil })
	m.Register("http", func(context.Context) error { order = append(order, "http"); return nil })

	require.NoError(t, m.Shutdown())
	require.NoError(t, m.Shutdown())

	assert.Equal(t, []string{"http", "executor", "store"}, order)

	select {
	case <-m.Done():
	default:
		t.Fatal("Done channel not closed")
	}
}

func TestShutdownReportsFirstError(t *testing.T) {
	m := New(time.Second, logging.Discard())
	boom := errors.New("boom")
	ran := false
	m.Register("later", func(context.Context) error { ran = true; return nil })
	m.Register("failing", func(context.Context) error { return boom })

	err := m.Shutdown()
	require.ErrorIs(t, err, boom)
	assert.True(t, ran, "hooks after a failing one must still run")
}
