package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"warn":    zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"bogus":   zapcore.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestNewRespectsLevel(t *testing.T) {
	l, err := New("warn")
	require.NoError(t, err)

	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))
}

func TestSetGlobalIgnoresNil(t *testing.T) {
	before := Global()
	SetGlobal(nil)
	assert.Same(t, before, Global())

	nop := NewNop()
	SetGlobal(nop)
	t.Cleanup(func() { SetGlobal(before) })
	assert.Same(t, nop, Global())
}

func TestComponentAddsField(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := (&Logger{Logger: zap.New(core)}).Component("worker")

	l.Info("started")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "worker", logs.All()[0].ContextMap()["component"])
}
