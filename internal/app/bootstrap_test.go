package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upscalerbot/internal/config"
)

func loadTestConfig(t *testing.T, extra map[string]string) *config.Config {
	t.Helper()
	env := map[string]string{
		"BOT_TOKEN":    "123:abc",
		"DATABASE_URL": "postgres://u:p@db:5432/bot",
	}
	for k, v := range extra {
		env[k] = v
	}
	cfg, err := config.LoadFrom(env)
	require.NoError(t, err)
	return cfg
}

func TestComponentConfigMapping(t *testing.T) {
	cfg := loadTestConfig(t, map[string]string{
		"PORT":             "9000",
		"MAX_UPLOAD_BYTES": "1048576",
		"DEEPAI_API_KEY":   "k",
		"REPORT_SCHEDULE":  "@daily",
		"REPORT_TZ":        "UTC",
	})

	gw := mapGatewayConfig(cfg)
	assert.Equal(t, ":9000", gw.Addr)
	assert.Equal(t, int64(1<<20), gw.MaxUploadBytes)

	up := mapUpscaleConfig(cfg)
	assert.Equal(t, "k", up.APIKey)
	assert.Equal(t, "https://api.deepai.org/api/waifu2x", up.Endpoint)
	assert.Equal(t, int64(8<<20), up.MaxOutputBytes)

	st := mapStorageConfig(cfg)
	assert.Equal(t, "postgres://u:p@db:5432/bot", st.DSN)
	assert.Equal(t, 10, st.MaxOpenConns)

	rep := mapReportConfig(cfg)
	assert.Equal(t, "@daily", rep.Schedule)
	assert.Equal(t, "UTC", rep.Timezone)

	tg := mapAdapterConfig(cfg)
	assert.Equal(t, "123:abc", tg.Token)
	assert.Equal(t, 10*time.Second, tg.PollTimeout)
}

func TestBroadcastConfigFollowsRuntime(t *testing.T) {
	cfg := loadTestConfig(t, map[string]string{"BROADCAST_DELAY": "250ms", "BROADCAST_PROGRESS_EVERY": "5"})
	bc := mapBroadcastConfig(cfg.Runtime)
	assert.Equal(t, 250*time.Millisecond, bc.Delay)
	assert.Equal(t, 5, bc.ProgressEvery)
}
