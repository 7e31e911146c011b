// Package syncer pulls new activities for one user and persists them.
package syncer

import (
	"context"
	"iter"
	"time"

	"github.com/jmerrifield20/clubsync/internal/strava"
)

// Lister lists a page of the athlete's activities started after a cursor.
type Lister interface {
	ListActivities(ctx context.Context, token string, after time.Time, page, perPage int) ([]strava.SummaryActivity, error)
}

// Fetcher pages through a user's activities after a cursor.
type Fetcher struct {
	lister   Lister
	perPage  int
	maxPages int
}

// NewFetcher creates a Fetcher. Zero values default to 50 per page and 10 pages.
func NewFetcher(l Lister, perPage, maxPages int) *Fetcher {
	if perPage <= 0 {
		perPage = 50
	}
	if maxPages <= 0 {
		maxPages = 10
	}
	return &Fetcher{lister: l, perPage: perPage, maxPages: maxPages}
}

// Pages returns a lazy sequence of pages of activities started strictly
// after cursor, oldest first. The sequence ends after a short or empty page,
// after the page limit, or after yielding an error. Nothing is requested
// until the caller ranges over it, and stopping early issues no further calls.
func (f *Fetcher) Pages(ctx context.Context, token string, cursor time.Time) iter.Seq2[[]strava.SummaryActivity, error] {
	return func(yield func([]strava.SummaryActivity, error) bool) {
		for page := 1; page <= f.maxPages; page++ {
			acts, err := f.lister.ListActivities(ctx, token, cursor, page, f.perPage)
			if err != nil {
				yield(nil, err)
				return
			}
			if len(acts) == 0 {
				return
			}
			if !yield(acts, nil) {
				return
			}
			if len(acts) < f.perPage {
				return
			}
		}
	}
}

// Records flattens Pages into individual activities.
func (f *Fetcher) Records(ctx context.Context, token string, cursor time.Time) iter.Seq2[strava.SummaryActivity, error] {
	return func(yield func(strava.SummaryActivity, error) bool) {
		for page, err := range f.Pages(ctx, token, cursor) {
			if err != nil {
				yield(strava.SummaryActivity{}, err)
				return
			}
			for _, a := range page {
				if !yield(a, nil) {
					return
				}
			}
		}
	}
}
