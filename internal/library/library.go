// Package library manages tracks that exist only on this device: files a
// guest uploaded or dropped into the inbox. Their bytes live in the blob
// cache, their records in a small SQLite table.
package library

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"turntable/internal/apperr"
	"turntable/internal/audio"
	"turntable/internal/cache"
	"turntable/pkg/models"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// IDPrefix marks track ids minted on this device
const IDPrefix = "local-"

// Validator decodes audio bytes in full and reads their metadata
type Validator interface {
	Validate(trackID string, data []byte) (audio.Info, error)
}

// Library imports and looks up device-local tracks
type Library struct {
	db        *Database
	cache     cache.Store
	validator Validator
	logger    *logrus.Logger

	searchThreshold float64
}

// New creates a library on top of db and the blob cache
func New(db *Database, store cache.Store, validator Validator, logger *logrus.Logger) *Library {
	if logger == nil {
		logger = logrus.New()
	}
	return &Library{
		db:              db,
		cache:           store,
		validator:       validator,
		logger:          logger,
		searchThreshold: 0.7,
	}
}

// Import validates data, stores it in the blob cache and records it as a
// local track. The bytes must be in the cache for the track to be playable,
// so a cache write failure fails the import.
func (l *Library) Import(ctx context.Context, fileName string, data []byte, owner string) (*models.Track, error) {
	fileName = filepath.Base(fileName)
	id := IDPrefix + uuid.NewString()

	info, err := l.validator.Validate(id, data)
	if err != nil {
		return nil, err
	}

	track := models.Track{
		ID:        id,
		FileName:  fileName,
		Title:     info.Title,
		Artist:    info.Artist,
		Duration:  info.Duration.Seconds(),
		Owner:     owner,
		Local:     true,
		CreatedAt: time.Now(),
	}
	if track.Title == "" {
		track.Title = strings.TrimSuffix(fileName, filepath.Ext(fileName))
	}

	if err := l.cache.PutTrack(ctx, id, data); err != nil {
		return nil, err
	}

	if err := l.db.InsertTrack(ctx, track, len(data)); err != nil {
		// keep cache and records in step
		if delErr := l.cache.DeleteTrack(ctx, id); delErr != nil {
			l.logger.WithError(delErr).WithField("track_id", id).Warn("Failed to roll back cached blob")
		}
		return nil, apperr.Storage("import", id, err)
	}

	l.logger.WithFields(logrus.Fields{
		"track_id":  id,
		"file_name": fileName,
		"format":    info.Format,
		"duration":  info.Duration,
	}).Info("Imported local track")

	return &track, nil
}

// Get returns the local record for trackID
func (l *Library) Get(ctx context.Context, trackID string) (*models.Track, bool, error) {
	track, err := l.db.GetTrack(ctx, trackID)
	if err != nil {
		return nil, false, apperr.Storage("lookup", trackID, err)
	}
	return track, track != nil, nil
}

// List returns every local track, newest first
func (l *Library) List(ctx context.Context) ([]models.Track, error) {
	tracks, err := l.db.ListTracks(ctx)
	if err != nil {
		return nil, apperr.Storage("list", "", err)
	}
	if tracks == nil {
		tracks = []models.Track{}
	}
	return tracks, nil
}

// Search ranks local tracks by fuzzy similarity of query against their
// title, artist and file name. An empty query lists everything.
func (l *Library) Search(ctx context.Context, query string, limit int) ([]models.Track, error) {
	tracks, err := l.List(ctx)
	if err != nil {
		return nil, err
	}

	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return truncate(tracks, limit), nil
	}

	type scored struct {
		track models.Track
		score float64
	}
	metric := metrics.NewJaroWinkler()
	var matches []scored
	for _, t := range tracks {
		best := 0.0
		for _, field := range []string{t.Title, t.Artist + " " + t.Title, t.FileName} {
			field = strings.ToLower(strings.TrimSpace(field))
			if field == "" {
				continue
			}
			score := strutil.Similarity(query, field, metric)
			if strings.Contains(field, query) {
				score = 1
			}
			if score > best {
				best = score
			}
		}
		if best >= l.searchThreshold {
			matches = append(matches, scored{track: t, score: best})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })

	results := make([]models.Track, 0, len(matches))
	for _, m := range matches {
		results = append(results, m.track)
	}
	return truncate(results, limit), nil
}

// Remove deletes a local track record and its cached bytes
func (l *Library) Remove(ctx context.Context, trackID string) error {
	existed, err := l.db.RemoveTrack(ctx, trackID)
	if err != nil {
		return apperr.Storage("remove", trackID, err)
	}
	if !existed {
		return apperr.NotFound("remove", trackID, errors.New("no such local track"))
	}
	if err := l.cache.DeleteTrack(ctx, trackID); err != nil {
		return err
	}
	l.logger.WithField("track_id", trackID).Info("Removed local track")
	return nil
}

// Close closes the library database
func (l *Library) Close() error {
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("failed to close library: %w", err)
	}
	return nil
}

func truncate(tracks []models.Track, limit int) []models.Track {
	if limit > 0 && len(tracks) > limit {
		return tracks[:limit]
	}
	return tracks
}
