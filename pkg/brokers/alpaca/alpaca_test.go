package alpaca

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrade-core/pkg/brokers"
	"autotrade-core/pkg/calendar"
)

type fakeFetcher struct {
	days  []alpaca.CalendarDay
	err   error
	calls int
}

func (f *fakeFetcher) GetCalendar(req alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error) {
	f.calls++
	return f.days, f.err
}

func newYork(t *testing.T) *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	return loc
}

func TestCalendarUsesFetchedDays(t *testing.T) {
	loc := newYork(t)
	f := &fakeFetcher{days: []alpaca.CalendarDay{{Date: "2026-10-14"}}}
	c := newCalendar(f, calendar.NewNYSE(loc), zerolog.Nop())

	assert.True(t, c.IsTradingDay(time.Date(2026, 10, 14, 12, 0, 0, 0, loc)))
	assert.False(t, c.IsTradingDay(time.Date(2026, 10, 15, 12, 0, 0, 0, loc)), "absent from the fetched calendar")
	assert.Equal(t, 1, f.calls, "year is cached")
}

func TestCalendarFallsBackToNYSE(t *testing.T) {
	loc := newYork(t)
	f := &fakeFetcher{err: errors.New("503")}
	c := newCalendar(f, calendar.NewNYSE(loc), zerolog.Nop())

	assert.True(t, c.IsTradingDay(time.Date(2026, 10, 15, 12, 0, 0, 0, loc)))
	assert.False(t, c.IsTradingDay(time.Date(2026, 12, 25, 12, 0, 0, 0, loc)))
	assert.Equal(t, 1, f.calls, "failures are not retried immediately")
}

func TestToFillPrefersReportedExecution(t *testing.T) {
	req := brokersReq()
	avg := decimal.RequireFromString("150.25")
	o := &alpaca.Order{ID: "o-1", ClientOrderID: "p-1", Symbol: "AAPL", FilledQty: req.Quantity, FilledAvgPrice: &avg}
	fill := toFill(o, req)
	assert.Equal(t, "o-1", fill.OrderID)
	assert.True(t, fill.Price.Equal(avg))

	pending := toFill(&alpaca.Order{ID: "o-2", Symbol: "AAPL"}, req)
	assert.True(t, pending.Price.Equal(req.Price))
	assert.True(t, pending.Quantity.Equal(req.Quantity))
}

func brokersReq() brokers.OrderRequest {
	return brokers.OrderRequest{
		ClientOrderID: "p-1",
		Symbol:        "AAPL",
		Side:          brokers.SideBuy,
		Quantity:      decimal.NewFromInt(3),
		Price:         decimal.NewFromInt(150),
	}
}

// gatedFetcher blocks requests for one year until release is closed.
type gatedFetcher struct {
	gatedYear int
	entered   chan struct{}
	release   chan struct{}
	calls     atomic.Int32
}

func (f *gatedFetcher) GetCalendar(req alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error) {
	f.calls.Add(1)
	y := req.Start.Year()
	if y == f.gatedYear {
		f.entered <- struct{}{}
		<-f.release
	}
	return []alpaca.CalendarDay{{Date: time.Date(y, time.October, 14, 0, 0, 0, 0, time.UTC).Format("2006-01-02")}}, nil
}

func TestCalendarFetchDoesNotBlockLoadedYears(t *testing.T) {
	loc := newYork(t)
	f := &gatedFetcher{gatedYear: 2027, entered: make(chan struct{}, 1), release: make(chan struct{})}
	c := newCalendar(f, calendar.NewNYSE(loc), zerolog.Nop())
	c.Preload(2026)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, c.IsTradingDay(time.Date(2027, 10, 14, 12, 0, 0, 0, loc)))
		}()
	}
	select {
	case <-f.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("2027 was never requested")
	}

	loaded := make(chan bool, 1)
	go func() { loaded <- c.IsTradingDay(time.Date(2026, 10, 14, 12, 0, 0, 0, loc)) }()
	select {
	case ok := <-loaded:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("lookup of a loaded year waited on a pending fetch")
	}

	close(f.release)
	wg.Wait()
	require.EqualValues(t, 2, f.calls.Load(), "one request per year")
}
