// Package proxy manages the per-identity proxy policy: a small JSON file
// controlling whether transports use the system proxy, hot-reloaded on
// change. Loopback destinations always bypass proxies.
package proxy

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Config is the persisted policy.
type Config struct {
	UseSystemProxy bool `json:"use_system_proxy"`
}

// Load reads a proxy config file; a missing file yields the zero policy.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes a proxy config file.
func Save(path string, cfg Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// Policy is the live, watchable policy for one identity.
type Policy struct {
	path string

	mu        sync.RWMutex
	useSystem bool

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewPolicy loads the policy at path; defaultUseSystem applies when the
// file does not exist.
func NewPolicy(path string, defaultUseSystem bool) (*Policy, error) {
	p := &Policy{path: path, useSystem: defaultUseSystem}
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		if err != nil {
			return nil, err
		}
		p.useSystem = cfg.UseSystemProxy
	}
	return p, nil
}

// UseSystemProxy reports the current policy.
func (p *Policy) UseSystemProxy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.useSystem
}

// Set updates and persists the policy.
func (p *Policy) Set(useSystem bool) error {
	p.mu.Lock()
	p.useSystem = useSystem
	p.mu.Unlock()
	return Save(p.path, Config{UseSystemProxy: useSystem})
}

// Watch hot-reloads the policy when the file changes. The parent directory
// is watched so replace-by-rename edits are seen.
func (p *Policy) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(p.path)); err != nil {
		_ = w.Close()
		return err
	}
	p.watcher = w
	p.done = make(chan struct{})

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-p.done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(p.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				cfg, err := Load(p.path)
				if err != nil {
					log.Warn().Err(err).Str("path", p.path).Msg("proxy config reload failed")
					continue
				}
				p.mu.Lock()
				changed := p.useSystem != cfg.UseSystemProxy
				p.useSystem = cfg.UseSystemProxy
				p.mu.Unlock()
				if changed {
					log.Info().Bool("use_system_proxy", cfg.UseSystemProxy).Msg("proxy policy reloaded")
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("proxy config watcher error")
			}
		}
	}()
	return nil
}

// StopWatch stops the hot-reload watcher.
func (p *Policy) StopWatch() {
	if p.watcher == nil {
		return
	}
	close(p.done)
	_ = p.watcher.Close()
	p.wg.Wait()
	p.watcher = nil
}

// ProxyFunc returns the proxy selector for HTTP and WebSocket dialers under
// this policy. Loopback hosts never go through a proxy.
func (p *Policy) ProxyFunc() func(*http.Request) (*url.URL, error) {
	return func(req *http.Request) (*url.URL, error) {
		if isLoopbackHost(req.URL.Hostname()) {
			return nil, nil
		}
		if !p.UseSystemProxy() {
			return nil, nil
		}
		return http.ProxyFromEnvironment(req)
	}
}

func isLoopbackHost(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// EnsureNoProxyLocal guarantees the NO_PROXY environment covers loopback so
// even system-proxy mode bypasses local endpoints.
func EnsureNoProxyLocal() {
	const want = "localhost,127.0.0.1,::1"
	for _, key := range []string{"NO_PROXY", "no_proxy"} {
		cur := os.Getenv(key)
		if cur == "" {
			_ = os.Setenv(key, want)
			continue
		}
		for _, entry := range []string{"localhost", "127.0.0.1", "::1"} {
			if !strings.Contains(cur, entry) {
				cur += "," + entry
			}
		}
		_ = os.Setenv(key, cur)
	}
}
