// Package feed builds the outbound half of a delta sync: everything on the
// server that changed after the client's cursor.
package feed

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/example/learnsync/services/sync/internal/domain"
)

// Source is the read side the generator needs. Implementations may return a
// superset (e.g. >= instead of >); the generator filters and orders.
type Source interface {
	ContentChangedSince(ctx context.Context, since time.Time) ([]domain.ContentChange, error)
	ProgressChangedSince(ctx context.Context, since time.Time) ([]domain.ProgressRecord, error)
}

// Feed is the fully materialized change set for one call.
type Feed struct {
	Content  []domain.ContentChange  `json:"content"`
	Progress []domain.ProgressRecord `json:"progress"`
}

// Empty returns a feed with non-nil, zero-length slices.
func Empty() Feed {
	return Feed{Content: []domain.ContentChange{}, Progress: []domain.ProgressRecord{}}
}

// Generator produces feeds. The zero value uses time.Now and a no-op logger.
type Generator struct {
	Now func() time.Time
	Log *zap.Logger
	// ContentLag widens the catalog window below the cursor. Catalog rows
	// carry their writer's transaction start time, so an edit can commit
	// after a sync whose cursor is already past its timestamp. Entries in
	// the lag window may be delivered twice.
	ContentLag time.Duration
}

func (g Generator) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g Generator) log() *zap.Logger {
	if g.Log != nil {
		return g.Log
	}
	return zap.NewNop()
}

// Boundary returns the effective lower bound for cursor. A cursor ahead of
// the server clock is clamped to now; ok is false for an absent cursor.
func (g Generator) Boundary(cursor *time.Time) (since time.Time, clamped, ok bool) {
	if cursor == nil {
		return time.Time{}, false, false
	}
	now := g.now().UTC()
	since = cursor.UTC()
	if since.After(now) {
		return now, true, true
	}
	return since, false, true
}

// Changes returns catalog entities and the user's progress records changed
// strictly after cursor, each ordered by change time then id. Progress for
// lessons in accepted is omitted: the caller already holds that version.
// An absent cursor yields an empty feed.
func (g Generator) Changes(ctx context.Context, src Source, cursor *time.Time, accepted map[string]struct{}) (Feed, error) {
	since, clamped, ok := g.Boundary(cursor)
	if !ok {
		return Empty(), nil
	}
	if clamped {
		g.log().Warn("sync cursor ahead of server clock, clamped",
			zap.Time("cursor", cursor.UTC()), zap.Time("now", since))
	}

	contentSince := since.Add(-g.ContentLag)
	content, err := src.ContentChangedSince(ctx, contentSince)
	if err != nil {
		return Feed{}, fmt.Errorf("content changes: %w", err)
	}
	progress, err := src.ProgressChangedSince(ctx, since)
	if err != nil {
		return Feed{}, fmt.Errorf("progress changes: %w", err)
	}

	out := Empty()
	for _, c := range content {
		if c.UpdatedAt.After(contentSince) {
			out.Content = append(out.Content, c)
		}
	}
	for _, p := range progress {
		if _, skip := accepted[p.LessonID]; skip {
			continue
		}
		if p.ChangedAt().After(since) {
			out.Progress = append(out.Progress, p)
		}
	}

	sort.SliceStable(out.Content, func(i, j int) bool {
		a, b := out.Content[i], out.Content[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.Type < b.Type
	})
	sort.SliceStable(out.Progress, func(i, j int) bool {
		a, b := out.Progress[i].ChangedAt(), out.Progress[j].ChangedAt()
		if !a.Equal(b) {
			return a.Before(b)
		}
		return out.Progress[i].ID < out.Progress[j].ID
	})
	return out, nil
}
