package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OCAP2/mapsync/internal/config"
)

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Equal(t, "mapsync version "+Version+"\n", out.String())
}

func TestLevels(t *testing.T) {
	tests := []struct {
		in   string
		slog slog.Level
		zero zerolog.Level
	}{
		{"debug", slog.LevelDebug, zerolog.DebugLevel},
		{"INFO", slog.LevelInfo, zerolog.InfoLevel},
		{"warn", slog.LevelWarn, zerolog.WarnLevel},
		{"error", slog.LevelError, zerolog.ErrorLevel},
		{"bogus", slog.LevelInfo, zerolog.InfoLevel},
		{"", slog.LevelInfo, zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.slog, slogLevel(tt.in))
			assert.Equal(t, tt.zero, zerologLevel(tt.in))
		})
	}
}

func TestOpenSource(t *testing.T) {
	t.Cleanup(viper.Reset)
	config.LoadDefaults()

	t.Run("none", func(t *testing.T) {
		viper.Set("source.type", "none")
		src, stop, err := openSource(context.Background(), slog.Default())
		require.NoError(t, err)
		assert.Nil(t, src)
		assert.NoError(t, stop())
	})

	t.Run("unknown", func(t *testing.T) {
		viper.Set("source.type", "kafka")
		_, _, err := openSource(context.Background(), slog.Default())
		assert.Error(t, err)
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "markers.yaml")
		require.NoError(t, os.WriteFile(path, []byte("markers:\n  - id: hq\n    lng: 1\n    lat: 2\n"), 0644))
		viper.Set("source.type", "file")
		viper.Set("source.file", path)

		src, stop, err := openSource(context.Background(), slog.Default())
		require.NoError(t, err)
		require.NotNil(t, src)
		assert.NoError(t, stop())
	})

	t.Run("db", func(t *testing.T) {
		viper.Set("source.type", "db")
		viper.Set("db.driver", "sqlite")
		viper.Set("db.path", filepath.Join(t.TempDir(), "markers.db"))

		src, stop, err := openSource(context.Background(), slog.Default())
		require.NoError(t, err)
		require.NotNil(t, src)
		assert.NoError(t, stop())
	})
}

func TestClosersRunInReverse(t *testing.T) {
	var order []int
	var c closers
	c.add(func() error { order = append(order, 1); return nil })
	c.add(func() error { order = append(order, 2); return nil })

	require.NoError(t, c.run())
	assert.Equal(t, []int{2, 1}, order)
}
