package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/image/draw"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "http://127.0.0.1:8081/video", cfg.StreamURL())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "liveview.yaml")
	writeFile(t, path, `
host: 192.168.54.1
port: 50001
path: liveview
stream_type: JPEG HTTP
performance: Balanced
commit_timeout: 2s
metrics_addr: ":9100"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "192.168.54.1", cfg.Host)
	assert.Equal(t, "http://192.168.54.1:50001/liveview", cfg.StreamURL())
	assert.Equal(t, StreamJPEG, cfg.StreamType)
	assert.Equal(t, 2*time.Second, cfg.CommitTimeout)
	assert.Equal(t, ":9100", cfg.MetricsAddr)
	assert.True(t, cfg.ShowFPS, "unset keys keep their defaults")
	assert.Equal(t, "http://192.168.54.1", cfg.CommandURL())
	assert.Equal(t, defaultProfile(), cfg.Profile)
}

func TestLoad_Profile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "liveview.yaml")
	writeFile(t, path, `
profile:
  apertures:
    - {text: F2.0, value: "2.0"}
  can_capture: false
  max_zoom: 60
  power_zoom: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []MenuEntry{{Text: "F2.0", Value: "2.0"}}, cfg.Profile.Apertures)
	assert.False(t, cfg.Profile.CanCapture)
	assert.Equal(t, 60, cfg.Profile.MaxZoom)
	assert.True(t, cfg.Profile.PowerZoom)
	assert.NotEmpty(t, cfg.Profile.IsoValues, "unset lists keep their defaults")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "liveview.yaml")
	writeFile(t, path, "port: 9000\n")
	t.Setenv("LIVEVIEW_PORT", "9001")
	t.Setenv("LIVEVIEW_SHOW_FPS", "false")
	t.Setenv("LIVEVIEW_CAMERA_URL", "http://cam.local")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9001, cfg.Port)
	assert.False(t, cfg.ShowFPS)
	assert.Equal(t, "http://cam.local", cfg.CommandURL())
}

func TestLoad_EffectAndStatusInterval(t *testing.T) {
	cfg := Default()
	assert.Nil(t, cfg.FrameEffect())
	assert.Equal(t, time.Second, cfg.StatusInterval)

	path := filepath.Join(t.TempDir(), "liveview.yaml")
	writeFile(t, path, "effect: mono\nstatus_interval: 250ms\n")
	t.Setenv("LIVEVIEW_STATUS_INTERVAL", "0s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.NotNil(t, cfg.FrameEffect())
	assert.Zero(t, cfg.StatusInterval)

	cfg.Effect = EffectInvert
	assert.NotNil(t, cfg.FrameEffect())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		env  map[string]string
	}{
		{name: "port too high", yaml: "port: 70000\n"},
		{name: "port zero", yaml: "port: 0\n"},
		{name: "empty host", yaml: "host: ' '\n"},
		{name: "empty path", yaml: "path: ''\n"},
		{name: "stream type", yaml: "stream_type: RTSP\n"},
		{name: "performance", yaml: "performance: Turbo\n"},
		{name: "pixel aspect", yaml: "pixel_aspect: 0\n"},
		{name: "env port", env: map[string]string{"LIVEVIEW_PORT": "abc"}},
		{name: "env bool", env: map[string]string{"LIVEVIEW_REDUCE_RESOLUTION": "maybe"}},
		{name: "effect", yaml: "effect: sepia\n"},
		{name: "status interval", yaml: "status_interval: -1s\n"},
		{name: "env status interval", env: map[string]string{"LIVEVIEW_STATUS_INTERVAL": "soon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "liveview.yaml")
			writeFile(t, path, tt.yaml)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load(path)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "liveview.yaml")
	writeFile(t, path, "port: [1,\n")

	_, err := Load(path)
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	writeFile(t, envFile, "LIVEVIEW_HOST=10.0.0.5\n")
	t.Setenv("LIVEVIEW_HOST", "")
	os.Unsetenv("LIVEVIEW_HOST")

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "absent.env"), envFile))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", cfg.Host)
}

func TestConfig_PerformanceMode(t *testing.T) {
	cfg := Default()
	assert.True(t, cfg.Reduce())
	assert.Equal(t, draw.NearestNeighbor, cfg.Scaler())

	cfg.Performance = PerfBalanced
	assert.Equal(t, draw.ApproxBiLinear, cfg.Scaler())

	cfg.Performance = PerfQuality
	assert.False(t, cfg.Reduce())
	assert.Equal(t, draw.CatmullRom, cfg.Scaler())
}

func startWatch(t *testing.T, path string) (<-chan Config, context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	got := make(chan Config, 8)
	errc := make(chan error, 1)
	go func() {
		errc <- Watch(ctx, path, zaptest.NewLogger(t), func(c Config) {
			select {
			case got <- c:
			default:
			}
		})
	}()
	return got, cancel, errc
}

// awaitWatching writes body until the watcher reports a reload.
func awaitWatching(t *testing.T, path, body string, got <-chan Config) Config {
	t.Helper()
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(4 * reloadDelay)
	defer tick.Stop()
	for {
		writeFile(t, path, body)
		select {
		case c := <-got:
			return c
		case <-tick.C:
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "liveview.yaml")
	writeFile(t, path, "port: 8081\n")
	got, cancel, errc := startWatch(t, path)

	c := awaitWatching(t, path, "port: 9090\n", got)
	assert.Equal(t, 9090, c.Port)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}

func TestWatch_CoalescesTruncateAndWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "liveview.yaml")
	writeFile(t, path, "port: 8081\n")
	got, _, _ := startWatch(t, path)
	awaitWatching(t, path, "port: 9000\n", got)

	for i := 0; i < 5; i++ {
		writeFile(t, path, "")
		writeFile(t, path, "port: 9091\n")
	}

	select {
	case c := <-got:
		assert.Equal(t, 9091, c.Port)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
	select {
	case c := <-got:
		t.Fatalf("unexpected second reload with port %d", c.Port)
	case <-time.After(4 * reloadDelay):
	}
}

func TestReload_SkipsEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "liveview.yaml")
	writeFile(t, path, "  \n")

	_, err := reload(path)
	assert.ErrorIs(t, err, errEmptyFile)

	writeFile(t, path, "port: 9092\n")
	cfg, err := reload(path)
	require.NoError(t, err)
	assert.Equal(t, 9092, cfg.Port)
}
