package logx

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upscalerbot/internal/transport/transporttest"
)

func TestWriterEmitsStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 3), Err(errors.New("bad")), Err(nil))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "hello", m["message"])
	assert.Equal(t, "test", m["comp"])
	assert.Equal(t, float64(3), m["n"])
	assert.Equal(t, "bad", m["err"])
}

func TestWriterRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("quiet")
	assert.Zero(t, buf.Len())
	log.Error("loud")
	assert.Contains(t, buf.String(), "loud")
}

func TestWithDoesNotLeakBetweenChildren(t *testing.T) {
	var buf bytes.Buffer
	parent := NewWriter(&buf, "info").With(String("comp", "router"))
	a := parent.With(String("rid", "a"))
	_ = parent.With(String("rid", "b"))
	a.Info("x")

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "a", m["rid"])
}

func TestApplySwapsOutputsForExistingLoggers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.log")
	svc, log := New(Config{Level: "info", File: path})
	t.Cleanup(func() { _ = svc.Close() })

	log.Debug("hidden")
	log.Info("first", String("k", "v"))
	svc.Apply(Config{Level: "debug", File: path})
	log.Debug("second")

	lines := readLines(t, path)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"message":"first"`)
	assert.Contains(t, lines[0], `"k":"v"`)
	assert.Contains(t, lines[1], `"message":"second"`)
}

func TestOperatorMirrorForwardsAboveMinLevel(t *testing.T) {
	a := transporttest.New()
	svc, log := New(Config{Level: "debug"})
	t.Cleanup(func() { _ = svc.Close() })
	svc.AttachOperator(a, 77)
	svc.Apply(Config{Level: "debug", Operator: OperatorConfig{Enabled: true, MinLevel: "warn", PerSecond: 10}})

	log.Info("not forwarded")
	log.Warn("disk almost full", String("mount", "/data"))

	require.Eventually(t, func() bool { return len(a.TextsTo(77)) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := a.TextsTo(77)[0].Text
	assert.True(t, strings.HasPrefix(got, "[WARN] disk almost full"), got)
	assert.Contains(t, got, "- mount=/data")
	assert.NotContains(t, got, "time=")
}

func TestOperatorMirrorSilentWithoutTarget(t *testing.T) {
	a := transporttest.New()
	svc, log := New(Config{Level: "debug", Operator: OperatorConfig{Enabled: true}})
	svc.AttachOperator(a, 0)
	log.Error("nowhere to go")
	require.NoError(t, svc.Close())
	assert.Zero(t, a.Outbound())
}

func TestOperatorTextTruncatesLongValues(t *testing.T) {
	line := []byte(`{"level":"error","time":"t","message":"boom","stack":"` + strings.Repeat("x", 2000) + `"}`)
	got := operatorText(zerolog.ErrorLevel, line)
	assert.True(t, strings.HasPrefix(got, "[ERROR] boom\n- stack=xxx"), got)
	assert.Less(t, len([]rune(got)), 700)
	assert.True(t, strings.HasSuffix(got, "…"))

	assert.Equal(t, "not json", operatorText(zerolog.WarnLevel, []byte("not json\n")))
}

func TestValidLevel(t *testing.T) {
	for _, l := range []string{"trace", "DEBUG", "info", "warning", " error "} {
		assert.True(t, ValidLevel(l), l)
	}
	for _, l := range []string{"loud", "", "fatal", "disabled"} {
		assert.False(t, ValidLevel(l), l)
	}
}

func TestZeroLogger(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	assert.False(t, Nop().IsZero())
	l.With(String("k", "v")).Info("does not panic")
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	require.NoError(t, sc.Err())
	return out
}
