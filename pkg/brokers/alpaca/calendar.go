package alpaca

import (
	"strconv"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"autotrade-core/pkg/calendar"
)

const calendarRetry = 10 * time.Minute

type calendarFetcher interface {
	GetCalendar(req alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error)
}

// Calendar answers trading-day questions from the Alpaca market calendar,
// one year per request. Years that fail to load use the NYSE rules until
// the retry interval passes.
type Calendar struct {
	client   calendarFetcher
	fallback *calendar.NYSE
	log      zerolog.Logger

	inflight singleflight.Group

	mu       sync.Mutex
	years    map[int]map[string]bool
	failedAt map[int]time.Time
}

var _ calendar.Calendar = (*Calendar)(nil)

func NewCalendar(opts Options, fallback *calendar.NYSE, log zerolog.Logger) *Calendar {
	return newCalendar(opts.client(), fallback, log)
}

func newCalendar(client calendarFetcher, fallback *calendar.NYSE, log zerolog.Logger) *Calendar {
	return &Calendar{
		client:   client,
		fallback: fallback,
		log:      log,
		years:    make(map[int]map[string]bool),
		failedAt: make(map[int]time.Time),
	}
}

func (c *Calendar) Location() *time.Location { return c.fallback.Location() }

func (c *Calendar) IsTradingDay(day time.Time) bool {
	day = day.In(c.Location())
	open, ok := c.year(day.Year())
	if !ok {
		return c.fallback.IsTradingDay(day)
	}
	return open[day.Format("2006-01-02")]
}

// Preload fetches the given years up front.
func (c *Calendar) Preload(years ...int) {
	for _, y := range years {
		c.year(y)
	}
}

func (c *Calendar) year(y int) (map[string]bool, bool) {
	if open, ok, skip := c.cached(y); ok || skip {
		return open, ok
	}
	// The fetch runs without mu so lookups of loaded years never wait on
	// the network; concurrent misses for one year share a single request.
	v, _, _ := c.inflight.Do(strconv.Itoa(y), func() (any, error) {
		if open, ok, skip := c.cached(y); ok || skip {
			return open, nil
		}
		return c.fetch(y), nil
	})
	open, _ := v.(map[string]bool)
	return open, open != nil
}

// cached reports a loaded year, or skip when a recent failure is still
// backing off.
func (c *Calendar) cached(y int) (open map[string]bool, ok, skip bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if open, ok := c.years[y]; ok {
		return open, true, false
	}
	if at, failed := c.failedAt[y]; failed && time.Since(at) < calendarRetry {
		return nil, false, true
	}
	return nil, false, false
}

func (c *Calendar) fetch(y int) map[string]bool {
	loc := c.Location()
	days, err := c.client.GetCalendar(alpaca.GetCalendarRequest{
		Start: time.Date(y, time.January, 1, 0, 0, 0, 0, loc),
		End:   time.Date(y, time.December, 31, 0, 0, 0, 0, loc),
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil || len(days) == 0 {
		c.failedAt[y] = time.Now()
		c.log.Warn().Err(err).Int("year", y).Msg("alpaca calendar unavailable, using NYSE rules")
		return nil
	}
	open := make(map[string]bool, len(days))
	for _, d := range days {
		open[d.Date] = true
	}
	c.years[y] = open
	delete(c.failedAt, y)
	return open
}
