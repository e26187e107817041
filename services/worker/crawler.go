package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"indiworker/internal/sp24"
	"indiworker/logger"
	apperr "indiworker/pkg/errors"
	"indiworker/services/cache"
	"indiworker/services/dispatch"
	"indiworker/services/publisher"
)

const dateLayout = "2006-01-02"

// vpdir.php wants the shared password plus the per-endpoint art field.
const vpdirPassword = "I N D I W A R E"

// Crawler polls one plan endpoint and keeps its revision store current. It
// never deletes or rewrites stored revisions; every cycle only appends what
// the remote says is new. Mobile endpoints are diffed against their vpdir
// listing; substitution endpoints have no listing and walk the sliding date
// window instead.
type Crawler struct {
	name       string
	plans      sp24.PlanEndpoint
	creds      sp24.Credentials
	dispatcher *dispatch.Dispatcher
	store      *cache.RevisionStore

	// listing endpoint, zero for substitution plans
	vpdirURL string
	vpdirArt string

	validators   cache.CacheService
	pub          publisher.Publisher
	interval     time.Duration
	fetchWorkers int
	lookBack     int
	lookForward  int

	now func() time.Time
	log *logger.Logger
}

// NewCrawler creates a crawler for a mobile plan endpoint. Name tags log
// lines and published events (e.g. "forms", "teachers", "rooms").
func NewCrawler(
	name string,
	endpoint sp24.MobilEndpoint,
	creds sp24.Credentials,
	dispatcher *dispatch.Dispatcher,
	store *cache.RevisionStore,
) *Crawler {
	c := newCrawler(name, endpoint, creds, dispatcher, store)
	c.vpdirURL = endpoint.VPDirURL()
	c.vpdirArt = endpoint.VPDirPassword
	return c
}

// NewSubstitutionCrawler creates a crawler for a substitution plan endpoint.
// The vdaten directory has no listing, so every poll walks the configured
// date window.
func NewSubstitutionCrawler(
	name string,
	endpoint sp24.SubstitutionEndpoint,
	creds sp24.Credentials,
	dispatcher *dispatch.Dispatcher,
	store *cache.RevisionStore,
) *Crawler {
	return newCrawler(name, endpoint, creds, dispatcher, store)
}

func newCrawler(
	name string,
	endpoint sp24.PlanEndpoint,
	creds sp24.Credentials,
	dispatcher *dispatch.Dispatcher,
	store *cache.RevisionStore,
) *Crawler {
	return &Crawler{
		name:         name,
		plans:        endpoint,
		creds:        creds,
		dispatcher:   dispatcher,
		store:        store,
		interval:     30 * time.Minute,
		fetchWorkers: 4,
		lookBack:     10,
		lookForward:  10,
		now:          time.Now,
		log:          logger.ForComponent("crawler_" + name),
	}
}

// Name returns the crawler's endpoint tag.
func (c *Crawler) Name() string {
	return c.name
}

// SetPublisher attaches a revision event publisher. Without one, stored
// revisions are not announced.
func (c *Crawler) SetPublisher(pub publisher.Publisher) {
	c.pub = pub
}

// SetValidatorCache attaches a cache for HTTP validator state (ETag,
// Last-Modified), letting unconditional fetch paths skip unchanged bodies.
func (c *Crawler) SetValidatorCache(kv cache.CacheService) {
	c.validators = kv
}

// SetInterval overrides the pause between poll cycles.
func (c *Crawler) SetInterval(d time.Duration) {
	c.interval = d
}

// SetFetchWorkers bounds how many document fetches UpdateDays runs at once.
func (c *Crawler) SetFetchWorkers(n int) {
	if n > 0 {
		c.fetchWorkers = n
	}
}

// SetWindow overrides the sliding date window used when no listing endpoint
// is available.
func (c *Crawler) SetWindow(lookBack, lookForward int) {
	if lookBack >= 0 {
		c.lookBack = lookBack
	}
	if lookForward >= 0 {
		c.lookForward = lookForward
	}
}

// Run polls forever until the context is cancelled.
func (c *Crawler) Run(ctx context.Context) error {
	for {
		start := c.now()
		if err := c.PollOnce(ctx); err != nil {
			c.log.Error().Err(err).Msg("Poll cycle finished with errors")
		}
		c.log.Debug().Dur("elapsed", time.Since(start)).Msg("Poll cycle done")

		if c.pub != nil {
			if err := c.pub.TrimStream(ctx); err != nil {
				c.log.Error().Err(err).Msg("Failed to trim revision stream")
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.interval):
		}
	}
}

// PollOnce fetches the remote directory listing and stores every plan file
// that is newer than what the cache already holds. Endpoints without a
// listing walk the date window instead. Failures are isolated to the date
// being processed; the first one is returned after the full cycle.
func (c *Crawler) PollOnce(ctx context.Context) error {
	if c.vpdirURL == "" {
		return c.UpdateDays(ctx, c.lookBack, c.lookForward)
	}

	listing, err := c.FetchListing(ctx)
	if err != nil {
		return err
	}

	var firstErr error
	for filename, remoteTS := range listing {
		if sp24.IsSentinel(filename) {
			continue
		}

		date, ok := sp24.PlanFilenameDate(filename)
		if !ok {
			c.log.Debug().Str("filename", filename).Msg("Skipping unrecognized listing entry")
			continue
		}

		if latest, ok := c.store.LatestTimestamp(date); ok && !latest.Before(remoteTS) {
			continue
		}

		if err := c.refreshDate(ctx, date, &remoteTS); err != nil {
			c.log.Error().
				Str("date", date.Format(dateLayout)).
				Err(err).
				Msg("Failed to refresh date")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// FetchListing retrieves and parses the vpdir.php directory listing.
func (c *Crawler) FetchListing(ctx context.Context) (map[string]time.Time, error) {
	if c.vpdirURL == "" {
		return nil, apperr.NewConfiguration("endpoint has no directory listing")
	}

	out, err := c.dispatcher.Fetch(ctx, dispatch.RequestSpec{
		Method:   http.MethodPost,
		URL:      c.vpdirURL,
		Username: c.creds.Username,
		Password: c.creds.Password,
		FormFields: map[string]string{
			"pw":  vpdirPassword,
			"art": c.vpdirArt,
		},
	})
	if err != nil {
		return nil, err
	}
	return sp24.ParseVPDir(string(out.Content))
}

// Metadata issues a HEAD request for one dated plan and returns the
// remote's Last-Modified time, nil when the remote declares none. The body
// is never transferred.
func (c *Crawler) Metadata(ctx context.Context, date time.Time) (*time.Time, error) {
	out, err := c.dispatcher.Fetch(ctx, dispatch.RequestSpec{
		Method:   http.MethodHead,
		URL:      c.plans.PlanURL(date),
		Username: c.creds.Username,
		Password: c.creds.Password,
	})
	if err != nil {
		return nil, err
	}
	return out.LastModified, nil
}

// UpdateDays fetches every date in the sliding window unconditionally and
// applies the usual store policy. It is the fallback when the listing
// endpoint is unavailable; PollOnce is cheaper and should be preferred.
func (c *Crawler) UpdateDays(ctx context.Context, lookBack, lookForward int) error {
	today := c.now().UTC().Truncate(24 * time.Hour)

	var (
		mu       sync.Mutex
		firstErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.fetchWorkers)

	for offset := -lookBack; offset <= lookForward; offset++ {
		date := today.AddDate(0, 0, offset)
		g.Go(func() error {
			if err := c.refreshDate(gctx, date, nil); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				c.log.Error().
					Str("date", date.Format(dateLayout)).
					Err(err).
					Msg("Failed to refresh date")
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return firstErr
}

// Get returns the cached revisions for a date, fetching once on demand when
// the date has never been checked.
func (c *Crawler) Get(ctx context.Context, date time.Time) (*cache.RevisionCursor, error) {
	if !c.store.Checked(date) {
		if err := c.refreshDate(ctx, date, nil); err != nil {
			return nil, err
		}
	}
	return c.store.Revisions(date), nil
}

// refreshDate fetches one dated plan and stores the result. A NotFound marks
// the date checked; a NotModified means the cached revision is still current;
// anything else leaves the date's cache state untouched so the next cycle
// retries it. remoteTS, when known from the listing, becomes the revision
// timestamp; otherwise the response's Last-Modified or the local clock is
// used.
func (c *Crawler) refreshDate(ctx context.Context, date time.Time, remoteTS *time.Time) error {
	url := c.plans.PlanURL(date)

	spec := dispatch.RequestSpec{
		URL:      url,
		Username: c.creds.Username,
		Password: c.creds.Password,
	}
	// conditional headers only when a revision is actually on disk:
	// validator state can outlive the store (shared memcached, wiped cache
	// dir), and a 304 against an empty partition would lose the revision
	// the listing advertises
	if _, ok := c.store.LatestTimestamp(date); ok {
		c.applyValidators(url, &spec)
	}

	out, err := c.dispatcher.Fetch(ctx, spec)
	switch {
	case err == nil:
	case errors.Is(err, apperr.ErrNotFound):
		return c.store.MarkChecked(date)
	case errors.Is(err, apperr.ErrNotModified):
		return nil
	default:
		return err
	}

	ts := c.revisionTime(out, remoteTS)
	if err := c.store.Store(date, ts, out.Content); err != nil {
		return err
	}
	c.saveValidators(url, out)

	c.log.Info().
		Str("date", date.Format(dateLayout)).
		Int64("timestamp", ts.Unix()).
		Int("bytes", len(out.Content)).
		Msg("Stored new revision")

	if c.pub != nil {
		event := publisher.Event{
			Plan:      c.name,
			Date:      date.Format(dateLayout),
			Timestamp: ts.Unix(),
			Size:      len(out.Content),
		}
		if err := c.pub.PublishRevision(ctx, event); err != nil {
			c.log.Error().Err(err).Msg("Failed to publish revision event")
		}
	}

	return nil
}

func (c *Crawler) revisionTime(out *dispatch.Outcome, remoteTS *time.Time) time.Time {
	if remoteTS != nil {
		return *remoteTS
	}
	if out.LastModified != nil {
		return *out.LastModified
	}
	return c.now().UTC()
}

// applyValidators loads cached ETag / Last-Modified state into conditional
// request headers.
func (c *Crawler) applyValidators(url string, spec *dispatch.RequestSpec) {
	if c.validators == nil {
		return
	}

	if etag, err := c.validators.Get("etag:" + url); err == nil {
		spec.IfNoneMatch = string(etag)
	}
	if lm, err := c.validators.Get("lm:" + url); err == nil {
		if t, err := time.Parse(time.RFC3339, string(lm)); err == nil {
			spec.IfModifiedSince = &t
		}
	}
}

func (c *Crawler) saveValidators(url string, out *dispatch.Outcome) {
	if c.validators == nil {
		return
	}

	if out.ETag != "" {
		if err := c.validators.Set("etag:"+url, []byte(out.ETag), 0); err != nil {
			c.log.Debug().Err(err).Msg("Failed to cache ETag")
		}
	}
	if out.LastModified != nil {
		value := out.LastModified.UTC().Format(time.RFC3339)
		if err := c.validators.Set("lm:"+url, []byte(value), 0); err != nil {
			c.log.Debug().Err(err).Msg("Failed to cache Last-Modified")
		}
	}
}
