package dispatch

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"golang.org/x/net/html/charset"

	"indiworker/logger"
	apperr "indiworker/pkg/errors"
	"indiworker/services/proxy"
)

// RequestSpec describes one logical fetch.
type RequestSpec struct {
	Method   string // defaults to GET
	URL      string
	Username string
	Password string

	// FormFields, when set, are sent as a multipart form body (the
	// directory-listing endpoint expects this).
	FormFields map[string]string

	IfModifiedSince *time.Time
	IfNoneMatch     string

	// NoDelay bypasses the pacing gate for requests that are not the
	// cause of throttling.
	NoDelay bool
}

// Outcome is a successful (status 200) exchange.
type Outcome struct {
	Content      []byte
	StatusCode   int
	LastModified *time.Time
	ETag         string
}

// Dispatcher serializes and paces outbound requests, drawing proxy
// candidates from the pool and classifying results. A nil pool means all
// requests go direct.
type Dispatcher struct {
	pool           *proxy.Pool
	gate           *Gate
	attemptTimeout time.Duration
	userAgent      string
	log            *logger.Logger
}

// NewDispatcher creates a dispatcher. The gate is passed in so its delay
// is configurable per dispatcher instance.
func NewDispatcher(pool *proxy.Pool, gate *Gate, attemptTimeout time.Duration, userAgent string) *Dispatcher {
	return &Dispatcher{
		pool:           pool,
		gate:           gate,
		attemptTimeout: attemptTimeout,
		userAgent:      userAgent,
		log:            logger.ForComponent("dispatcher"),
	}
}

// Fetch performs one logical fetch. Connection-level failures are absorbed
// by advancing to the next proxy candidate; every status-level outcome is
// terminal. With all candidates spent it returns ErrPoolExhausted.
func (d *Dispatcher) Fetch(ctx context.Context, spec RequestSpec) (*Outcome, error) {
	if !spec.NoDelay {
		if err := d.gate.Acquire(ctx); err != nil {
			return nil, err
		}
		defer d.gate.Release()
	}

	if d.pool == nil {
		out, err := d.attempt(ctx, spec, nil)
		if err != nil {
			return nil, err
		}
		return d.classify(spec, out, nil)
	}

	cursor := d.pool.Candidates(ctx)
	tries := 0
	for {
		candidate, ok := cursor.Next()
		if !ok {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			d.log.Warn().Str("url", spec.URL).Int("tries", tries).Msg("Proxy pool exhausted")
			return nil, apperr.ErrPoolExhausted
		}
		tries++

		out, err := d.attempt(ctx, spec, &candidate)
		if err != nil {
			if apperr.IsConnectionFailure(err) {
				d.pool.MarkBroken(candidate)
				d.log.Debug().
					Str("proxy", candidate.Addr()).
					Err(err).
					Msg("Proxy attempt failed, trying next candidate")
				continue
			}
			return nil, err
		}

		return d.classify(spec, out, &candidate)
	}
}

// classify maps a status to the outcome taxonomy and feeds the proxy
// scoring. Status codes are properties of the target, not the proxy: any
// relayed response marks the proxy working. A 429 or 403 additionally means
// the target is throttling or blocking this relay's address, which starts
// the block cooldown.
func (d *Dispatcher) classify(spec RequestSpec, out *Outcome, candidate *proxy.Proxy) (*Outcome, error) {
	if candidate != nil {
		d.pool.MarkWorking(*candidate)
		if out.StatusCode == http.StatusTooManyRequests || out.StatusCode == http.StatusForbidden {
			d.pool.MarkBlocked(*candidate)
		}
	}

	switch out.StatusCode {
	case http.StatusOK:
		return out, nil
	case http.StatusUnauthorized:
		return nil, apperr.NewUnauthorized(spec.URL)
	case http.StatusNotModified:
		return nil, apperr.NewNotModified(spec.URL)
	case http.StatusNotFound:
		return nil, apperr.NewNotFound(spec.URL)
	default:
		return nil, apperr.NewUnexpectedStatus(spec.URL, out.StatusCode)
	}
}

// attempt performs a single HTTP exchange, optionally through a proxy,
// bounded by the per-attempt timeout.
func (d *Dispatcher) attempt(ctx context.Context, spec RequestSpec, candidate *proxy.Proxy) (*Outcome, error) {
	req, err := d.buildRequest(ctx, spec)
	if err != nil {
		return nil, apperr.NewConnectionFailure(apperr.ConnOther, "failed to build request", err)
	}

	transport := &http.Transport{}
	if candidate != nil {
		proxyURL, err := url.Parse(candidate.URL())
		if err != nil {
			return nil, apperr.NewConnectionFailure(apperr.ConnProxyConnect, "invalid proxy url", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	client := &http.Client{
		Timeout:   d.attemptTimeout,
		Transport: transport,
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	// decode the body to UTF-8 based on the declared charset
	reader, err := charset.NewReader(resp.Body, resp.Header.Get("Content-Type"))
	if err != nil {
		reader = resp.Body
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	out := &Outcome{
		Content:    body,
		StatusCode: resp.StatusCode,
		ETag:       resp.Header.Get("ETag"),
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if parsed, err := http.ParseTime(lm); err == nil {
			out.LastModified = &parsed
		}
	}

	return out, nil
}

func (d *Dispatcher) buildRequest(ctx context.Context, spec RequestSpec) (*http.Request, error) {
	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	contentType := ""
	if len(spec.FormFields) > 0 {
		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)
		for field, value := range spec.FormFields {
			if err := writer.WriteField(field, value); err != nil {
				return nil, err
			}
		}
		if err := writer.Close(); err != nil {
			return nil, err
		}
		body = &buf
		contentType = writer.FormDataContentType()
	}

	req, err := http.NewRequestWithContext(ctx, method, spec.URL, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", d.userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if spec.Username != "" {
		req.SetBasicAuth(spec.Username, spec.Password)
	}
	if spec.IfModifiedSince != nil {
		req.Header.Set("If-Modified-Since", spec.IfModifiedSince.UTC().Format(http.TimeFormat))
	}
	if spec.IfNoneMatch != "" {
		req.Header.Set("If-None-Match", spec.IfNoneMatch)
	}

	return req, nil
}

// classifyTransportError maps transport failures to an enumerable kind
// instead of matching on any HTTP library's internal error layout.
func classifyTransportError(err error) *apperr.FetchError {
	var netErr interface{ Timeout() bool }
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return apperr.NewConnectionFailure(apperr.ConnTimeout, "attempt timed out", err)
	case isTLSError(err):
		return apperr.NewConnectionFailure(apperr.ConnTLS, "tls handshake failed", err)
	case strings.Contains(err.Error(), "proxyconnect"):
		return apperr.NewConnectionFailure(apperr.ConnProxyConnect, "could not reach proxy", err)
	case errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNREFUSED):
		return apperr.NewConnectionFailure(apperr.ConnReset, "connection dropped", err)
	default:
		return apperr.NewConnectionFailure(apperr.ConnOther, "request failed", err)
	}
}

func isTLSError(err error) bool {
	var recordErr tls.RecordHeaderError
	var certErr *tls.CertificateVerificationError
	var unknownAuthority x509.UnknownAuthorityError
	return errors.As(err, &recordErr) || errors.As(err, &certErr) || errors.As(err, &unknownAuthority)
}
