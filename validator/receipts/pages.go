package receipts

import (
	"time"

	"github.com/forgenet/forge/config/params"
	"github.com/thomaso-mirodin/intmath/i64"
)

// PageID addresses a time bucket of receipts: page = floor(t / page_duration)
// counted from the unix epoch.
type PageID = int64

// PageAt returns the page the instant t falls into.
func PageAt(t time.Time) PageID {
	return t.Unix() / int64(params.ForgeNetworkConfig().PageDuration.Seconds())
}

// CurrentPage returns the page for the current wall clock.
func CurrentPage(now time.Time) PageID {
	return PageAt(now)
}

// ActivePages returns the hot pages ending at the current page, newest first.
// These are the pages the keep-up loop sweeps on every interval.
func ActivePages(now time.Time) []PageID {
	n := params.ForgeNetworkConfig().ActivePages
	cur := PageAt(now)
	pages := make([]PageID, 0, n)
	for p := cur; p > cur-n; p-- {
		pages = append(pages, p)
	}
	return pages
}

// CutoffPage returns the oldest page the catch-up loop still pulls.
func CutoffPage(now time.Time) PageID {
	return PageAt(now.Add(-params.ForgeNetworkConfig().CatchUpCutoff))
}

// CatchUpPages returns the cold pages in [cutoff, current - activePages],
// newest first.
func CatchUpPages(now time.Time) []PageID {
	cutoff := CutoffPage(now)
	newestCold := PageAt(now) - params.ForgeNetworkConfig().ActivePages
	if newestCold < cutoff {
		return nil
	}
	pages := make([]PageID, 0, newestCold-cutoff+1)
	for p := newestCold; p >= cutoff; p-- {
		pages = append(pages, p)
	}
	return pages
}

// AllPages returns every transferable page in [cutoff, current], newest
// first. Used by once-mode transfers.
func AllPages(now time.Time) []PageID {
	cutoff := CutoffPage(now)
	cur := PageAt(now)
	count := i64.Max(cur-cutoff+1, 0)
	pages := make([]PageID, 0, count)
	for p := cur; p >= cutoff; p-- {
		pages = append(pages, p)
	}
	return pages
}
