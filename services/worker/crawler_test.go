package worker

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"indiworker/internal/sp24"
	apperr "indiworker/pkg/errors"
	"indiworker/services/cache"
	"indiworker/services/dispatch"
	"indiworker/services/proxy"
	"indiworker/services/publisher"
)

// planServer fakes a stundenplan24 host: vpdir.php serves the configured
// listing, plan files serve the configured bodies, everything else is 404.
type planServer struct {
	mu        sync.Mutex
	listing   string
	plans     map[string][]byte
	planHits  map[string]int
	vpdirHits int

	srv *httptest.Server
}

func newPlanServer(t *testing.T) *planServer {
	ps := &planServer{
		plans:    make(map[string][]byte),
		planHits: make(map[string]int),
	}

	ps.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ps.mu.Lock()
		defer ps.mu.Unlock()

		switch {
		case strings.HasSuffix(r.URL.Path, "/_phpmob/vpdir.php"):
			require.NoError(t, r.ParseMultipartForm(1<<20))
			require.Equal(t, "I N D I W A R E", r.FormValue("pw"))
			require.Equal(t, "mobk", r.FormValue("art"))
			ps.vpdirHits++
			w.Write([]byte(ps.listing))

		case strings.Contains(r.URL.Path, "/mobdaten/"):
			name := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
			ps.planHits[name]++
			body, ok := ps.plans[name]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(body)

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(ps.srv.Close)
	return ps
}

func (ps *planServer) setListing(listing string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.listing = listing
}

func (ps *planServer) setPlan(name string, body []byte) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.plans[name] = body
}

func (ps *planServer) hits(name string) int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.planHits[name]
}

func newTestCrawler(t *testing.T, ps *planServer) (*Crawler, *cache.RevisionStore) {
	endpoint := sp24.Hosting{BaseURL: ps.srv.URL, SchoolNumber: "10000000"}.FormsMobil()
	d := dispatch.NewDispatcher(nil, dispatch.NewGate(0), 2*time.Second, "Indiware")
	store := cache.NewRevisionStore(t.TempDir())

	c := NewCrawler("forms", endpoint, sp24.Credentials{Username: "schueler", Password: "geheim"}, d, store)
	return c, store
}

func TestPollOnceStoresNewRevisionAndIsIdempotent(t *testing.T) {
	ps := newPlanServer(t)
	ps.setListing("Klassen.xml;08.01.2024 07:43;PlanKl20240108.xml;08.01.2024 07:43;")
	ps.setPlan("PlanKl20240108.xml", []byte("<VpMobil>v1</VpMobil>"))

	c, store := newTestCrawler(t, ps)
	date := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)

	require.NoError(t, c.PollOnce(context.Background()))
	assert.Equal(t, 1, ps.hits("PlanKl20240108.xml"))

	latest, ok := store.LatestTimestamp(date)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 8, 7, 43, 0, 0, time.UTC), latest)

	// the sentinel alias must never be fetched
	assert.Equal(t, 0, ps.hits("Klassen.xml"))

	// unchanged listing: second poll fetches nothing
	require.NoError(t, c.PollOnce(context.Background()))
	assert.Equal(t, 1, ps.hits("PlanKl20240108.xml"))
}

func TestPollOnceFetchesAgainWhenListingAdvances(t *testing.T) {
	ps := newPlanServer(t)
	ps.setListing("PlanKl20240108.xml;08.01.2024 07:43;")
	ps.setPlan("PlanKl20240108.xml", []byte("<VpMobil>v1</VpMobil>"))

	c, store := newTestCrawler(t, ps)
	date := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)

	require.NoError(t, c.PollOnce(context.Background()))

	ps.setListing("PlanKl20240108.xml;08.01.2024 14:02;")
	ps.setPlan("PlanKl20240108.xml", []byte("<VpMobil>v2</VpMobil>"))

	require.NoError(t, c.PollOnce(context.Background()))
	assert.Equal(t, 2, ps.hits("PlanKl20240108.xml"))

	latest, ok := store.LatestTimestamp(date)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 8, 14, 2, 0, 0, time.UTC), latest)

	cursor := store.Revisions(date)
	count := 0
	for cursor.Next() {
		count++
	}
	require.NoError(t, cursor.Err())
	assert.Equal(t, 2, count)
}

func TestPollOnceMarksCheckedOnNotFound(t *testing.T) {
	ps := newPlanServer(t)
	// listed but the file itself is gone
	ps.setListing("PlanKl20240109.xml;09.01.2024 07:00;")

	c, store := newTestCrawler(t, ps)
	date := time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC)

	require.NoError(t, c.PollOnce(context.Background()))

	assert.True(t, store.Checked(date))
	_, ok := store.LatestTimestamp(date)
	assert.False(t, ok)
}

func TestPollOnceContinuesPastFailedDates(t *testing.T) {
	ps := newPlanServer(t)
	ps.setListing("PlanKl20240108.xml;08.01.2024 07:43;PlanKl20240109.xml;09.01.2024 07:00;")
	ps.setPlan("PlanKl20240109.xml", []byte("<VpMobil>ok</VpMobil>"))

	// the 08th is missing (404 -> markChecked), the 09th succeeds
	c, store := newTestCrawler(t, ps)

	require.NoError(t, c.PollOnce(context.Background()))
	assert.True(t, store.Checked(time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)))

	latest, ok := store.LatestTimestamp(time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 9, 7, 0, 0, 0, time.UTC), latest)
}

func TestGetFetchesOnDemandOnce(t *testing.T) {
	ps := newPlanServer(t)
	ps.setPlan("PlanKl20240108.xml", []byte("<VpMobil>v1</VpMobil>"))

	c, store := newTestCrawler(t, ps)
	date := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)
	require.False(t, store.Checked(date))

	cursor, err := c.Get(context.Background(), date)
	require.NoError(t, err)
	require.True(t, cursor.Next())
	assert.Equal(t, []byte("<VpMobil>v1</VpMobil>"), cursor.Entry().Content)
	assert.Equal(t, 1, ps.hits("PlanKl20240108.xml"))

	// already checked: no second fetch
	_, err = c.Get(context.Background(), date)
	require.NoError(t, err)
	assert.Equal(t, 1, ps.hits("PlanKl20240108.xml"))
}

func TestGetPropagatesExhaustedPoolWithoutMarkingChecked(t *testing.T) {
	// reserve a port and close it so the proxy connection is refused
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := l.Addr().String()
	l.Close()

	dead, err := proxy.ParseProxy(deadAddr)
	require.NoError(t, err)
	pool := proxy.NewPool(filepath.Join(t.TempDir(), "proxies.json"))
	pool.Add(dead)

	endpoint := sp24.Hosting{BaseURL: "http://example.invalid", SchoolNumber: "10000000"}.FormsMobil()
	d := dispatch.NewDispatcher(pool, dispatch.NewGate(0), 500*time.Millisecond, "Indiware")
	store := cache.NewRevisionStore(t.TempDir())
	c := NewCrawler("forms", endpoint, sp24.Credentials{}, d, store)

	date := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)
	_, err = c.Get(context.Background(), date)
	assert.ErrorIs(t, err, apperr.ErrPoolExhausted)

	// the date must stay "never checked" so the next cycle retries it
	assert.False(t, store.Checked(date))
}

func TestUpdateDaysCoversWindow(t *testing.T) {
	ps := newPlanServer(t)
	ps.setPlan("PlanKl20240108.xml", []byte("<VpMobil>monday</VpMobil>"))
	// the other window dates 404

	c, store := newTestCrawler(t, ps)
	c.now = func() time.Time { return time.Date(2024, 1, 8, 12, 0, 0, 0, time.UTC) }
	c.SetFetchWorkers(2)

	require.NoError(t, c.UpdateDays(context.Background(), 1, 1))

	for _, d := range []time.Time{
		time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC),
	} {
		assert.True(t, store.Checked(d), "expected %s to be checked", d.Format("2006-01-02"))
	}

	_, ok := store.LatestTimestamp(time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC))
	assert.True(t, ok)
	_, ok = store.LatestTimestamp(time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC))
	assert.False(t, ok)
}

func TestValidatorCacheTurnsRefetchInto304(t *testing.T) {
	var etagHits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/mobdaten/") {
			if r.Header.Get("If-None-Match") == `"v1"` {
				etagHits++
				w.WriteHeader(http.StatusNotModified)
				return
			}
			w.Header().Set("ETag", `"v1"`)
			w.Write([]byte("<VpMobil>v1</VpMobil>"))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	endpoint := sp24.Hosting{BaseURL: srv.URL, SchoolNumber: "10000000"}.FormsMobil()
	d := dispatch.NewDispatcher(nil, dispatch.NewGate(0), 2*time.Second, "Indiware")
	store := cache.NewRevisionStore(t.TempDir())

	c := NewCrawler("forms", endpoint, sp24.Credentials{}, d, store)
	c.SetValidatorCache(cache.NewMemoryService())
	c.now = func() time.Time { return time.Date(2024, 1, 8, 12, 0, 0, 0, time.UTC) }

	require.NoError(t, c.UpdateDays(context.Background(), 0, 0))
	require.NoError(t, c.UpdateDays(context.Background(), 0, 0))

	assert.Equal(t, 1, etagHits)

	cursor := store.Revisions(time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC))
	count := 0
	for cursor.Next() {
		count++
	}
	require.NoError(t, cursor.Err())
	assert.Equal(t, 1, count)
}

func TestSubstitutionCrawlerWalksWindowWithoutListing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/vplan/vdaten/VplanKl20240108.xml") {
			w.Header().Set("Last-Modified", "Mon, 08 Jan 2024 06:30:00 GMT")
			w.Write([]byte("<VpInfo>monday</VpInfo>"))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	endpoint := sp24.Hosting{BaseURL: srv.URL, SchoolNumber: "10000000"}.StudentsSubstitution()
	d := dispatch.NewDispatcher(nil, dispatch.NewGate(0), 2*time.Second, "Indiware")
	store := cache.NewRevisionStore(t.TempDir())

	c := NewSubstitutionCrawler("students-substitution", endpoint, sp24.Credentials{}, d, store)
	c.now = func() time.Time { return time.Date(2024, 1, 8, 12, 0, 0, 0, time.UTC) }
	c.SetWindow(1, 1)

	// no vpdir on vdaten: polling falls back to the date window
	require.NoError(t, c.PollOnce(context.Background()))

	date := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)
	latest, ok := store.LatestTimestamp(date)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 8, 6, 30, 0, 0, time.UTC), latest)

	content, err := store.Read(date, latest)
	require.NoError(t, err)
	assert.Equal(t, []byte("<VpInfo>monday</VpInfo>"), content)

	// the 404 window edges are checked, not stored
	for _, d := range []time.Time{
		time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC),
	} {
		assert.True(t, store.Checked(d))
		_, ok := store.LatestTimestamp(d)
		assert.False(t, ok)
	}

	_, err = c.FetchListing(context.Background())
	assert.Error(t, err)
}

func TestMetadataUsesHeadRequest(t *testing.T) {
	var method string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		w.Header().Set("Last-Modified", "Mon, 08 Jan 2024 06:30:00 GMT")
	}))
	defer srv.Close()

	endpoint := sp24.Hosting{BaseURL: srv.URL, SchoolNumber: "10000000"}.StudentsSubstitution()
	d := dispatch.NewDispatcher(nil, dispatch.NewGate(0), 2*time.Second, "Indiware")
	c := NewSubstitutionCrawler("students-substitution", endpoint, sp24.Credentials{}, d, cache.NewRevisionStore(t.TempDir()))

	lm, err := c.Metadata(context.Background(), time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, http.MethodHead, method)
	require.NotNil(t, lm)
	assert.Equal(t, time.Date(2024, 1, 8, 6, 30, 0, 0, time.UTC), lm.UTC())
}

func TestStaleValidatorStateDoesNotSuppressFirstStore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/_phpmob/vpdir.php"):
			w.Write([]byte("PlanKl20240108.xml;08.01.2024 07:43;"))
		case strings.Contains(r.URL.Path, "/mobdaten/"):
			if r.Header.Get("If-None-Match") == `"v1"` {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			w.Header().Set("ETag", `"v1"`)
			w.Write([]byte("<VpMobil>v1</VpMobil>"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	endpoint := sp24.Hosting{BaseURL: srv.URL, SchoolNumber: "10000000"}.FormsMobil()
	d := dispatch.NewDispatcher(nil, dispatch.NewGate(0), 2*time.Second, "Indiware")
	store := cache.NewRevisionStore(t.TempDir())
	date := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)

	// validator state left over from a previous run whose cache dir is gone
	validators := cache.NewMemoryService()
	require.NoError(t, validators.Set("etag:"+endpoint.PlanURL(date), []byte(`"v1"`), 0))

	c := NewCrawler("forms", endpoint, sp24.Credentials{}, d, store)
	c.SetValidatorCache(validators)

	require.NoError(t, c.PollOnce(context.Background()))
	require.NoError(t, c.PollOnce(context.Background()))

	latest, ok := store.LatestTimestamp(date)
	require.True(t, ok, "advertised revision must be stored despite matching validator state")
	assert.Equal(t, time.Date(2024, 1, 8, 7, 43, 0, 0, time.UTC), latest)

	content, err := store.Read(date, latest)
	require.NoError(t, err)
	assert.Equal(t, []byte("<VpMobil>v1</VpMobil>"), content)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publisher.Event
}

func (p *recordingPublisher) PublishRevision(_ context.Context, event publisher.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) TrimStream(context.Context) error { return nil }
func (p *recordingPublisher) Close() error                     { return nil }

func TestStoredRevisionsArePublished(t *testing.T) {
	ps := newPlanServer(t)
	ps.setListing("PlanKl20240108.xml;08.01.2024 07:43;")
	ps.setPlan("PlanKl20240108.xml", []byte("<VpMobil>v1</VpMobil>"))

	c, _ := newTestCrawler(t, ps)
	pub := &recordingPublisher{}
	c.SetPublisher(pub)

	require.NoError(t, c.PollOnce(context.Background()))

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.events, 1)
	assert.Equal(t, publisher.Event{
		Plan:      "forms",
		Date:      "2024-01-08",
		Timestamp: time.Date(2024, 1, 8, 7, 43, 0, 0, time.UTC).Unix(),
		Size:      len("<VpMobil>v1</VpMobil>"),
	}, pub.events[0])
}

func TestRunStopsOnContextCancel(t *testing.T) {
	ps := newPlanServer(t)
	ps.setListing("")

	c, _ := newTestCrawler(t, ps)
	c.SetInterval(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
