package proxy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Persisted pool file: a single JSON document mapping "host:port" to the
// proxy record. Timestamps are RFC3339 so the file sorts and diffs cleanly.
type poolFile struct {
	Proxies map[string]proxyRecord `json:"proxies"`
}

type proxyRecord struct {
	Auth        *Auth   `json:"auth,omitempty"`
	Score       float64 `json:"score"`
	Tries       int     `json:"tries"`
	LastWorked  *string `json:"last_worked"`
	LastBlocked *string `json:"last_blocked"`
	LastBroken  *string `json:"last_broken"`
}

// Load reads the pool file. A missing or corrupt file starts the pool
// empty; that is logged, not fatal.
func (p *Pool) Load() error {
	data, err := os.ReadFile(p.file)
	if err != nil {
		if os.IsNotExist(err) {
			p.log.Info().Str("path", p.file).Msg("No proxy pool file yet, starting empty")
			return nil
		}
		return err
	}

	var parsed poolFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		p.log.Warn().Str("path", p.file).Err(err).Msg("Invalid proxy pool file, starting empty")
		return nil
	}

	entries := make(map[string]*entry, len(parsed.Proxies))
	for addr, record := range parsed.Proxies {
		proxy, err := ParseProxy(addr)
		if err != nil {
			p.log.Warn().Str("addr", addr).Err(err).Msg("Skipping malformed pool entry")
			continue
		}
		proxy.Auth = record.Auth

		entries[addr] = &entry{
			proxy:       proxy,
			score:       record.Score,
			tries:       record.Tries,
			lastWorked:  parseTimestamp(record.LastWorked),
			lastBlocked: parseTimestamp(record.LastBlocked),
			lastBroken:  parseTimestamp(record.LastBroken),
		}
	}

	p.mu.Lock()
	p.entries = entries
	p.mu.Unlock()

	p.log.Info().Int("count", len(entries)).Msg("Loaded proxy pool")
	return nil
}

// Store writes the full pool to disk.
func (p *Pool) Store() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.storeLocked()
}

func (p *Pool) storeLocked() error {
	records := make(map[string]proxyRecord, len(p.entries))
	for addr, e := range p.entries {
		records[addr] = proxyRecord{
			Auth:        e.proxy.Auth,
			Score:       e.score,
			Tries:       e.tries,
			LastWorked:  formatTimestamp(e.lastWorked),
			LastBlocked: formatTimestamp(e.lastBlocked),
			LastBroken:  formatTimestamp(e.lastBroken),
		}
	}

	data, err := json.Marshal(poolFile{Proxies: records})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(p.file), 0o755); err != nil {
		return err
	}

	tmp := p.file + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p.file)
}

// ParseProxy parses a "host:port" address into a Proxy.
func ParseProxy(addr string) (Proxy, error) {
	idx := strings.LastIndex(addr, ":")
	if idx <= 0 || idx == len(addr)-1 {
		return Proxy{}, fmt.Errorf("invalid proxy address %q", addr)
	}

	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil || port <= 0 || port > 65535 {
		return Proxy{}, fmt.Errorf("invalid proxy port in %q", addr)
	}

	return Proxy{Host: addr[:idx], Port: port}, nil
}

func parseTimestamp(value *string) *time.Time {
	if value == nil || *value == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *value)
	if err != nil {
		return nil
	}
	return &t
}

func formatTimestamp(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339Nano)
	return &s
}
