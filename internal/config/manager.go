package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	yaml "go.yaml.in/yaml/v3"

	logx "upscalerbot/pkg/logx"
)

// RuntimeManager owns the live RuntimeConfig.
//
// Without a file it only serves the env baseline. With a file (JSON or YAML) the
// file is decoded on top of the baseline, so omitted keys keep their env values.
// Watch reloads the file on change and publishes valid results to subscribers.
type RuntimeManager struct {
	path string
	base RuntimeConfig

	mu  sync.RWMutex
	cfg RuntimeConfig
	// lastHash tracks the last committed content to skip no-op editor writes.
	lastHash uint64

	subsMu sync.Mutex
	subs   []chan RuntimeConfig

	log logx.Logger
}

func NewRuntimeManager(path string, base RuntimeConfig) *RuntimeManager {
	return &RuntimeManager{path: strings.TrimSpace(path), base: base, cfg: base, log: logx.Nop()}
}

func (m *RuntimeManager) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		m.log = log
	}
}

func (m *RuntimeManager) Path() string { return m.path }

// Parse reads and validates the overlay file without committing it.
func (m *RuntimeManager) Parse() (RuntimeConfig, error) {
	if m.path == "" {
		return m.base, nil
	}
	b, err := os.ReadFile(m.path)
	if err != nil {
		return RuntimeConfig{}, err
	}
	return decodeRuntime(m.path, b, m.base)
}

func decodeRuntime(path string, data []byte, base RuntimeConfig) (RuntimeConfig, error) {
	jb, err := coerceToJSONBytes(path, data)
	if err != nil {
		return RuntimeConfig{}, err
	}

	cfg := base
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return RuntimeConfig{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return RuntimeConfig{}, fmt.Errorf("%s: trailing data", filepath.Base(path))
		}
		return RuntimeConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return RuntimeConfig{}, err
	}
	return cfg, nil
}

// coerceToJSONBytes converts YAML to JSON so both formats share the strict decoder.
func coerceToJSONBytes(path string, data []byte) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, nil
	}
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	if v == nil {
		return []byte("{}"), nil
	}
	j, err := json.Marshal(normalizeYAML(v))
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, nil
}

// normalizeYAML ensures all map keys are strings so the result can be JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalizeYAML(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}

// Load parses and commits the current file (or the baseline when no file is set).
func (m *RuntimeManager) Load() (RuntimeConfig, error) {
	cfg, err := m.Parse()
	if err != nil {
		return RuntimeConfig{}, err
	}
	m.commit(cfg)
	return cfg, nil
}

func (m *RuntimeManager) commit(cfg RuntimeConfig) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashRuntime(cfg)
	m.mu.Unlock()
}

func hashRuntime(cfg RuntimeConfig) uint64 {
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func (m *RuntimeManager) Get() RuntimeConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *RuntimeManager) Subscribe(buffer int) chan RuntimeConfig {
	ch := make(chan RuntimeConfig, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *RuntimeManager) Unsubscribe(ch chan RuntimeConfig) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

func (m *RuntimeManager) publish(cfg RuntimeConfig) {
	// Hold subsMu while sending to avoid send-on-closed panics.
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		// Latest wins: if the subscriber is behind, drop its oldest pending value.
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("runtime config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// reload re-reads the file and publishes it if it changed and is valid.
func (m *RuntimeManager) reload() {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("runtime config rejected", logx.String("path", m.path), logx.Err(err))
		return
	}
	h := hashRuntime(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("runtime config unchanged; skipping publish", logx.String("path", m.path))
		return
	}
	m.commit(cfg)
	m.publish(cfg)
	m.log.Info("runtime config reloaded", logx.String("path", m.path))
}

// Watch blocks until ctx is done, reloading the file whenever it changes.
// It returns immediately when no file is configured.
func (m *RuntimeManager) Watch(ctx context.Context) error {
	if m.path == "" {
		return nil
	}
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	const (
		backoffBase = 250 * time.Millisecond
		backoffMax  = 5 * time.Second
	)
	backoff := backoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	nextWait := func() time.Duration {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		backoff = min(backoff*2, backoffMax)
		return wait
	}

	// debounce to avoid reading partial writes
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			if ctx.Err() == nil {
				m.reload()
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	sleep := func(d time.Duration) bool {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		}
	}

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			m.log.Warn("runtime config watch init failed", logx.Err(err), logx.String("dir", dir))
			if !sleep(nextWait()) {
				return nil
			}
			continue
		}
		// Watch the directory: editors often replace the file via rename.
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			m.log.Warn("runtime config watch add failed", logx.Err(err), logx.String("dir", dir))
			if !sleep(nextWait()) {
				return nil
			}
			continue
		}
		backoff = backoffBase
		m.log.Debug("runtime config watcher started", logx.String("dir", dir), logx.String("file", file))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounce()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				if err == fsnotify.ErrEventOverflow {
					// We may have missed events; reload once and keep going.
					debounce()
					continue
				}
				m.log.Warn("runtime config watch error", logx.Err(err), logx.String("dir", dir))
			}
		}
		_ = w.Close()

		wait := nextWait()
		m.log.Warn("runtime config watcher stopped; restarting", logx.Duration("backoff", wait))
		if !sleep(wait) {
			return nil
		}
	}
	return nil
}
