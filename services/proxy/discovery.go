package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	apperr "indiworker/pkg/errors"
)

// Source fetches a batch of proxies from an external proxy-list service.
// Implementations signal quota exhaustion with the discovery sentinel
// errors so a limited service stops discovery for the cycle without
// poisoning the pool.
type Source interface {
	Name() string
	FetchBatch(ctx context.Context) ([]Proxy, error)
}

var discoveryClient = &http.Client{
	Timeout: 30 * time.Second,
}

// PubProxySource queries the pubproxy JSON API for HTTPS-capable HTTP
// proxies that allow POST.
type PubProxySource struct {
	APIKey string
	Client *http.Client

	// BaseURL is overridable for tests.
	BaseURL string
}

func (s *PubProxySource) Name() string { return "pubproxy" }

// FetchBatch requests one batch. The API reports rate and daily limits as
// plain-text bodies rather than status codes, so both are sniffed.
func (s *PubProxySource) FetchBatch(ctx context.Context) ([]Proxy, error) {
	base := s.BaseURL
	if base == "" {
		base = "http://pubproxy.com/api/proxy"
	}

	params := url.Values{}
	params.Set("format", "json")
	params.Set("https", "true")
	params.Set("post", "true")
	params.Set("type", "http")
	params.Set("limit", "5")
	if s.APIKey != "" {
		params.Set("api", s.APIKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	client := s.Client
	if client == nil {
		client = discoveryClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Data []struct {
			IPPort string `json:"ipPort"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		// limit responses come back as plain text
		text := strings.ToLower(string(body))
		switch {
		case strings.Contains(text, "per day"):
			return nil, apperr.ErrDiscoveryDailyLimit
		case strings.Contains(text, "too fast") || strings.Contains(text, "stop you"):
			return nil, apperr.ErrDiscoveryRateLimit
		default:
			return nil, err
		}
	}

	out := make([]Proxy, 0, len(parsed.Data))
	for _, item := range parsed.Data {
		if proxy, err := ParseProxy(item.IPPort); err == nil {
			out = append(out, proxy)
		}
	}
	return out, nil
}

// FreeListSource scrapes an HTML proxy-list table (free-proxy-list style:
// first column IP, second column port).
type FreeListSource struct {
	URL    string
	Client *http.Client
}

func (s *FreeListSource) Name() string { return "free-proxy-list" }

func (s *FreeListSource) FetchBatch(ctx context.Context) ([]Proxy, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,*/*")

	client := s.Client
	if client == nil {
		client = discoveryClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, apperr.ErrDiscoveryRateLimit
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.NewUnexpectedStatus(s.URL, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, err
	}

	var out []Proxy
	doc.Find("table tbody tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 2 {
			return
		}

		host := strings.TrimSpace(cells.Eq(0).Text())
		if net.ParseIP(host) == nil {
			return
		}

		port, err := strconv.Atoi(strings.TrimSpace(cells.Eq(1).Text()))
		if err != nil || port <= 0 || port > 65535 {
			return
		}

		out = append(out, Proxy{Host: host, Port: port})
	})

	return out, nil
}
