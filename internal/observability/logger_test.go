package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		want    zapcore.Level
		wantErr string
	}{
		{name: "text info", level: "info", format: "text", want: zapcore.InfoLevel},
		{name: "json debug", level: "DEBUG", format: "json", want: zapcore.DebugLevel},
		{name: "empty format is text", level: "warn", format: "", want: zapcore.WarnLevel},
		{name: "bad level", level: "loud", format: "text", wantErr: "invalid log level"},
		{name: "bad format", level: "info", format: "xml", wantErr: "invalid log format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.level, tt.format)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tt.want))
			assert.False(t, logger.Core().Enabled(tt.want-1))
		})
	}
}

func TestInit(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	require.NoError(t, Init("scout", "error", "json"))
	assert.NotSame(t, orig, CLILogger)
	assert.False(t, CLILogger.Core().Enabled(zapcore.WarnLevel))

	assert.Error(t, Init("scout", "nope", "json"))
}
