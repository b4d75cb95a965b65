package main

import (
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanbao-ai/sanbao/backend/internal/config"
)

func TestCLI_Parse(t *testing.T) {
	t.Setenv("SANBAO_CONFIG", "")

	parser, err := kong.New(&CLI, kong.Name("sanbao"))
	require.NoError(t, err)

	kctx, err := parser.Parse([]string{"--port", "9000", "check-url", "--resolve", "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, "check-url <url>", kctx.Command())
	assert.Equal(t, 9000, CLI.Port)
	assert.Equal(t, "https://example.com", CLI.CheckURL.URL)
	assert.True(t, CLI.CheckURL.Resolve)

	kctx, err = parser.Parse([]string{})
	require.NoError(t, err)
	assert.Equal(t, "serve", kctx.Command())
}

func TestCheckURL_ExitCodes(t *testing.T) {
	cfg := &config.Config{URLGuard: config.URLGuardConfig{Timeout: time.Second}}

	tests := []struct {
		url  string
		want int
	}{
		{"https://example.com/hook", 0},
		{"http://127.0.0.1:8080/", 1},
		{"http://169.254.169.254/latest/meta-data", 1},
		{"ftp://example.com/file", 1},
		{"not a url", 1},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, checkURL(cfg, tt.url, false))
		})
	}
}
