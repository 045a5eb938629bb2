package repositories

import (
	"context"
	"database/sql"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/cadenza-fm/cadenza/internal/models"
	"github.com/cadenza-fm/cadenza/internal/shared"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := shared.NewDatabase(":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		t.Fatalf("failed to enable foreign keys: %v", err)
	}

	if err := shared.RunMigrations(db); err != nil {
		db.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}

	return db
}

func testLogger() *log.Logger {
	return shared.NewLogger(io.Discard)
}

func spotifyTrack(t *testing.T, title, artist, external, isrc string) models.Track {
	t.Helper()
	track, err := models.NewTrack(title, models.Artist{Name: artist})
	if err != nil {
		t.Fatalf("failed to build track: %v", err)
	}
	return track.WithISRC(isrc).
		WithDurationMS(210000).
		WithConnectorTrackID(models.ConnectorSpotify, external).
		WithConnectorMetadata(models.ConnectorSpotify, map[string]any{"popularity": float64(61)})
}

func TestTrackRepository(t *testing.T) {
	ctx := context.Background()

	t.Run("SaveTrack", func(t *testing.T) {
		t.Run("CreatesAndBindsID", func(t *testing.T) {
			db := setupTestDB(t)
			defer db.Close()

			repo := NewTrackRepository(db, testLogger())
			track, err := models.NewTrack("Windowlicker", models.Artist{Name: "Aphex Twin"})
			if err != nil {
				t.Fatalf("failed to build track: %v", err)
			}

			saved, err := repo.SaveTrack(ctx, track)
			if err != nil {
				t.Fatalf("failed to save track: %v", err)
			}
			if saved.ID == 0 {
				t.Fatal("expected saved track to carry a database id")
			}
			if dbID, ok := saved.ConnectorTrackID(models.ConnectorDB); !ok || dbID == "" {
				t.Error("expected db connector id bound on save")
			}
		})

		t.Run("ValidationError", func(t *testing.T) {
			db := setupTestDB(t)
			defer db.Close()

			repo := NewTrackRepository(db, testLogger())
			_, err := repo.SaveTrack(ctx, models.Track{Title: "No Artists"})
			if err == nil {
				t.Fatal("expected validation error for track without artists")
			}
		})

		t.Run("MatchesByISRC", func(t *testing.T) {
			db := setupTestDB(t)
			defer db.Close()

			repo := NewTrackRepository(db, testLogger())
			first, err := models.NewTrack("Avril 14th", models.Artist{Name: "Aphex Twin"})
			if err != nil {
				t.Fatalf("failed to build track: %v", err)
			}
			saved, err := repo.SaveTrack(ctx, first.WithISRC("GBAAA0100123"))
			if err != nil {
				t.Fatalf("failed to save first track: %v", err)
			}

			second, err := models.NewTrack("Avril 14th", models.Artist{Name: "Aphex Twin"})
			if err != nil {
				t.Fatalf("failed to build track: %v", err)
			}
			again, err := repo.SaveTrack(ctx, second.WithISRC("GBAAA0100123").WithAlbum("Drukqs"))
			if err != nil {
				t.Fatalf("failed to save second track: %v", err)
			}

			if again.ID != saved.ID {
				t.Fatalf("expected isrc match to resolve to id %d, got %d", saved.ID, again.ID)
			}

			stored, err := repo.GetByID(ctx, saved.ID)
			if err != nil {
				t.Fatalf("failed to reload track: %v", err)
			}
			if stored.Album != "Drukqs" {
				t.Errorf("expected missing album to be filled, got %q", stored.Album)
			}
		})

		t.Run("FillsOnlyMissingFields", func(t *testing.T) {
			db := setupTestDB(t)
			defer db.Close()

			repo := NewTrackRepository(db, testLogger())
			first, err := models.NewTrack("Flim", models.Artist{Name: "Aphex Twin"})
			if err != nil {
				t.Fatalf("failed to build track: %v", err)
			}
			saved, err := repo.SaveTrack(ctx, first.WithISRC("GBAAA0100456").WithAlbum("Come to Daddy"))
			if err != nil {
				t.Fatalf("failed to save track: %v", err)
			}

			update, err := models.NewTrack("Flim", models.Artist{Name: "Aphex Twin"})
			if err != nil {
				t.Fatalf("failed to build track: %v", err)
			}
			update = update.WithISRC("GBAAA0100456").WithAlbum("Wrong Album").WithDurationMS(177000)
			if _, err := repo.SaveTrack(ctx, update); err != nil {
				t.Fatalf("failed to save update: %v", err)
			}

			stored, err := repo.GetByID(ctx, saved.ID)
			if err != nil {
				t.Fatalf("failed to reload track: %v", err)
			}
			if stored.Album != "Come to Daddy" {
				t.Errorf("stored album overwritten: got %q", stored.Album)
			}
			if stored.DurationMS != 177000 {
				t.Errorf("expected missing duration to be filled, got %d", stored.DurationMS)
			}
		})
	})

	t.Run("SoftDelete", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := NewTrackRepository(db, testLogger())
		track, err := models.NewTrack("Girl/Boy Song", models.Artist{Name: "Aphex Twin"})
		if err != nil {
			t.Fatalf("failed to build track: %v", err)
		}
		saved, err := repo.SaveTrack(ctx, track)
		if err != nil {
			t.Fatalf("failed to save track: %v", err)
		}

		if err := repo.SoftDelete(ctx, saved.ID); err != nil {
			t.Fatalf("failed to soft delete: %v", err)
		}
		if _, err := repo.GetByID(ctx, saved.ID); err == nil {
			t.Fatal("expected deleted track to be hidden from reads")
		}
		if err := repo.SoftDelete(ctx, saved.ID); err == nil {
			t.Fatal("expected second soft delete to report not found")
		}
	})
}

func TestConnectorRepository(t *testing.T) {
	ctx := context.Background()

	t.Run("IngestExternalTrack", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := NewConnectorRepository(db, testLogger(), nil)
		track, err := repo.IngestExternalTrack(ctx, IngestParams{
			Connector:  models.ConnectorSpotify,
			ExternalID: "sp-001",
			Title:      "Xtal",
			Artists:    []models.Artist{models.Artist{Name: "Aphex Twin"}},
			ISRC:       "GBAAA9200001",
			Metadata:   map[string]any{"popularity": float64(70)},
		})
		if err != nil {
			t.Fatalf("failed to ingest track: %v", err)
		}
		if track.ID == 0 {
			t.Fatal("expected ingested track to carry a database id")
		}

		mappings, err := repo.GetConnectorMappings(ctx, []int{track.ID}, models.ConnectorSpotify)
		if err != nil {
			t.Fatalf("failed to load mappings: %v", err)
		}
		if len(mappings) != 1 {
			t.Fatalf("expected one mapping, got %d", len(mappings))
		}
		if mappings[0].MatchMethod != models.MatchMethodDirect {
			t.Errorf("expected direct match method, got %q", mappings[0].MatchMethod)
		}
		if mappings[0].Confidence != models.ConfidenceDirect {
			t.Errorf("expected confidence %d, got %d", models.ConfidenceDirect, mappings[0].Confidence)
		}
		if mappings[0].ConnectorTrackID != "sp-001" {
			t.Errorf("expected external id sp-001, got %q", mappings[0].ConnectorTrackID)
		}
	})

	t.Run("ReingestIsIdempotent", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := NewConnectorRepository(db, testLogger(), nil)
		params := IngestParams{
			Connector:  models.ConnectorSpotify,
			ExternalID: "sp-002",
			Title:      "Tha",
			Artists:    []models.Artist{models.Artist{Name: "Aphex Twin"}},
			ISRC:       "GBAAA9200002",
		}

		first, err := repo.IngestExternalTrack(ctx, params)
		if err != nil {
			t.Fatalf("failed first ingest: %v", err)
		}

		var before time.Time
		if err := db.QueryRow(
			"SELECT last_updated FROM connector_tracks WHERE connector_track_id = ?", "sp-002",
		).Scan(&before); err != nil {
			t.Fatalf("failed to read last_updated: %v", err)
		}

		time.Sleep(5 * time.Millisecond)

		second, err := repo.IngestExternalTrack(ctx, params)
		if err != nil {
			t.Fatalf("failed second ingest: %v", err)
		}
		if second.ID != first.ID {
			t.Fatalf("expected re-ingest to resolve to id %d, got %d", first.ID, second.ID)
		}

		var count int
		if err := db.QueryRow("SELECT COUNT(*) FROM tracks").Scan(&count); err != nil {
			t.Fatalf("failed to count tracks: %v", err)
		}
		if count != 1 {
			t.Errorf("expected one canonical track, got %d", count)
		}
		if err := db.QueryRow("SELECT COUNT(*) FROM track_mappings").Scan(&count); err != nil {
			t.Fatalf("failed to count mappings: %v", err)
		}
		if count != 1 {
			t.Errorf("expected one mapping, got %d", count)
		}

		var after time.Time
		if err := db.QueryRow(
			"SELECT last_updated FROM connector_tracks WHERE connector_track_id = ?", "sp-002",
		).Scan(&after); err != nil {
			t.Fatalf("failed to read last_updated: %v", err)
		}
		if !after.After(before) {
			t.Error("expected re-ingest to refresh last_updated")
		}
	})

	t.Run("MappingPreservesOriginalMethod", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := NewConnectorRepository(db, testLogger(), nil)
		track, err := repo.IngestExternalTrack(ctx, IngestParams{
			Connector:  models.ConnectorSpotify,
			ExternalID: "sp-003",
			Title:      "Pulsewidth",
			Artists:    []models.Artist{models.Artist{Name: "Aphex Twin"}},
		})
		if err != nil {
			t.Fatalf("failed to ingest: %v", err)
		}

		// Re-mapping the same pair with a weaker method must not downgrade
		// the stored mapping.
		mapping, err := repo.MapTrackToConnector(ctx, track,
			models.ConnectorSpotify, "sp-003", models.MatchMethodArtistTitle, models.ConfidenceArtistTitle, nil, nil)
		if err != nil {
			t.Fatalf("failed to map: %v", err)
		}
		if mapping.MatchMethod != models.MatchMethodDirect {
			t.Errorf("expected original method preserved, got %q", mapping.MatchMethod)
		}
		if mapping.Confidence != models.ConfidenceDirect {
			t.Errorf("expected original confidence preserved, got %d", mapping.Confidence)
		}
		if mapping.LastVerified.IsZero() {
			t.Error("expected last_verified to be refreshed")
		}
	})

	t.Run("MapTrackToConnector", func(t *testing.T) {
		t.Run("RecordsMethodAndEvidence", func(t *testing.T) {
			db := setupTestDB(t)
			defer db.Close()

			repo := NewConnectorRepository(db, testLogger(), nil)
			tracks := NewTrackRepository(db, testLogger())

			track, err := models.NewTrack("Ageispolis", models.Artist{Name: "Aphex Twin"})
			if err != nil {
				t.Fatalf("failed to build track: %v", err)
			}
			saved, err := tracks.SaveTrack(ctx, track)
			if err != nil {
				t.Fatalf("failed to save track: %v", err)
			}

			mapping, err := repo.MapTrackToConnector(ctx, saved,
				models.ConnectorLastfm, "lf-100", models.MatchMethodMBID, models.ConfidenceMBID,
				map[string]any{"userplaycount": float64(12)},
				map[string]any{"mbid": "7e8f1a9c"})
			if err != nil {
				t.Fatalf("failed to map: %v", err)
			}
			if mapping.MatchMethod != models.MatchMethodMBID {
				t.Errorf("expected mbid method, got %q", mapping.MatchMethod)
			}
			if mapping.ConfidenceEvidence["mbid"] != "7e8f1a9c" {
				t.Errorf("expected evidence preserved, got %v", mapping.ConfidenceEvidence)
			}
		})

		t.Run("RejectsUnpersistedTrack", func(t *testing.T) {
			db := setupTestDB(t)
			defer db.Close()

			repo := NewConnectorRepository(db, testLogger(), nil)
			track, _ := models.NewTrack("Untitled", models.Artist{Name: "Unknown"})
			_, err := repo.MapTrackToConnector(ctx, track,
				models.ConnectorLastfm, "lf-1", models.MatchMethodISRC, models.ConfidenceISRC, nil, nil)
			if err == nil {
				t.Fatal("expected error mapping a track without an id")
			}
		})

		t.Run("RejectsConfidenceOutOfRange", func(t *testing.T) {
			db := setupTestDB(t)
			defer db.Close()

			repo := NewConnectorRepository(db, testLogger(), nil)
			tracks := NewTrackRepository(db, testLogger())
			track, _ := models.NewTrack("Heliosphan", models.Artist{Name: "Aphex Twin"})
			saved, err := tracks.SaveTrack(ctx, track)
			if err != nil {
				t.Fatalf("failed to save track: %v", err)
			}

			if _, err := repo.MapTrackToConnector(ctx, saved,
				models.ConnectorLastfm, "lf-2", models.MatchMethodISRC, 101, nil, nil); err == nil {
				t.Fatal("expected error for confidence above 100")
			}
		})
	})

	t.Run("IngestExtractsMetrics", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		extract := func(connector string, raw map[string]any) map[string]float64 {
			if v, ok := raw["popularity"].(float64); ok {
				return map[string]float64{"popularity": v}
			}
			return nil
		}
		repo := NewConnectorRepository(db, testLogger(), extract)

		track, err := repo.IngestExternalTrack(ctx, IngestParams{
			Connector:  models.ConnectorSpotify,
			ExternalID: "sp-004",
			Title:      "Green Calx",
			Artists:    []models.Artist{models.Artist{Name: "Aphex Twin"}},
			Metadata:   map[string]any{"popularity": float64(55)},
		})
		if err != nil {
			t.Fatalf("failed to ingest: %v", err)
		}

		metrics := NewMetricsRepository(db, testLogger())
		values, err := metrics.GetTrackMetrics(ctx, []int{track.ID}, "popularity", models.ConnectorSpotify, 0)
		if err != nil {
			t.Fatalf("failed to read metrics: %v", err)
		}
		if values[track.ID] != 55 {
			t.Errorf("expected extracted popularity 55, got %v", values[track.ID])
		}
	})

	t.Run("SaveConnectorMetadataMerges", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := NewConnectorRepository(db, testLogger(), nil)
		track, err := repo.IngestExternalTrack(ctx, IngestParams{
			Connector:  models.ConnectorSpotify,
			ExternalID: "sp-005",
			Title:      "Blue Calx",
			Artists:    []models.Artist{models.Artist{Name: "Aphex Twin"}},
			Metadata:   map[string]any{"popularity": float64(40)},
		})
		if err != nil {
			t.Fatalf("failed to ingest: %v", err)
		}

		err = repo.SaveConnectorMetadata(ctx, models.ConnectorSpotify, map[int]map[string]any{
			track.ID: {"preview_url": "https://example.com/p.mp3"},
		})
		if err != nil {
			t.Fatalf("failed to save metadata: %v", err)
		}

		meta, err := repo.GetConnectorMetadata(ctx, []int{track.ID}, models.ConnectorSpotify, "")
		if err != nil {
			t.Fatalf("failed to read metadata: %v", err)
		}
		if meta[track.ID]["popularity"] != float64(40) {
			t.Errorf("expected existing field preserved, got %v", meta[track.ID])
		}
		if meta[track.ID]["preview_url"] != "https://example.com/p.mp3" {
			t.Errorf("expected new field merged, got %v", meta[track.ID])
		}

		scoped, err := repo.GetConnectorMetadata(ctx, []int{track.ID}, models.ConnectorSpotify, "popularity")
		if err != nil {
			t.Fatalf("failed to read scoped metadata: %v", err)
		}
		if len(scoped[track.ID]) != 1 {
			t.Errorf("expected single-field result, got %v", scoped[track.ID])
		}
	})
}

func TestPlaylistRepository(t *testing.T) {
	ctx := context.Background()

	newRepo := func(db *sql.DB) *PlaylistRepository {
		connectors := NewConnectorRepository(db, testLogger(), nil)
		return NewPlaylistRepository(db, testLogger(), connectors)
	}

	t.Run("SavePlaylist", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := newRepo(db)
		playlist, err := models.NewPlaylist("Morning Mix")
		if err != nil {
			t.Fatalf("failed to build playlist: %v", err)
		}
		playlist = playlist.
			WithConnectorPlaylistID(models.ConnectorSpotify, "pl-abc").
			WithTracks([]models.Track{
				spotifyTrack(t, "Xtal", "Aphex Twin", "sp-101", "GBAAA9200101"),
				spotifyTrack(t, "Tha", "Aphex Twin", "sp-102", "GBAAA9200102"),
				spotifyTrack(t, "Pulsewidth", "Aphex Twin", "sp-103", "GBAAA9200103"),
			})

		saved, err := repo.SavePlaylist(ctx, playlist)
		if err != nil {
			t.Fatalf("failed to save playlist: %v", err)
		}
		if saved.ID == 0 {
			t.Fatal("expected playlist id to be bound")
		}
		for i, track := range saved.Tracks {
			if track.ID == 0 {
				t.Fatalf("expected track %d to be persisted", i)
			}
		}

		rows, err := db.Query(
			"SELECT sort_key FROM playlist_tracks WHERE playlist_id = ? ORDER BY sort_key", saved.ID)
		if err != nil {
			t.Fatalf("failed to read sort keys: %v", err)
		}
		defer rows.Close()
		var keys []string
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				t.Fatalf("failed to scan sort key: %v", err)
			}
			keys = append(keys, k)
		}
		want := []string{"a00000000", "a00000001", "a00000002"}
		if len(keys) != len(want) {
			t.Fatalf("expected %d membership rows, got %d", len(want), len(keys))
		}
		for i := range want {
			if keys[i] != want[i] {
				t.Errorf("sort key %d: expected %q, got %q", i, want[i], keys[i])
			}
		}

		// Source-connector tracks arrive through ingestion, so each must
		// carry a direct mapping.
		connectors := NewConnectorRepository(db, testLogger(), nil)
		ids := make([]int, len(saved.Tracks))
		for i, track := range saved.Tracks {
			ids[i] = track.ID
		}
		mappings, err := connectors.GetConnectorMappings(ctx, ids, models.ConnectorSpotify)
		if err != nil {
			t.Fatalf("failed to read mappings: %v", err)
		}
		if len(mappings) != 3 {
			t.Fatalf("expected 3 direct mappings, got %d", len(mappings))
		}
		for _, m := range mappings {
			if m.MatchMethod != models.MatchMethodDirect || m.Confidence != models.ConfidenceDirect {
				t.Errorf("expected direct/100 mapping, got %s/%d", m.MatchMethod, m.Confidence)
			}
		}
	})

	t.Run("GetPlaylistOrdersBySortKey", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := newRepo(db)
		playlist, _ := models.NewPlaylist("Ordered")
		playlist = playlist.
			WithConnectorPlaylistID(models.ConnectorSpotify, "pl-ord").
			WithTracks([]models.Track{
				spotifyTrack(t, "First", "Artist", "sp-201", "GBAAA9200201"),
				spotifyTrack(t, "Second", "Artist", "sp-202", "GBAAA9200202"),
			})

		saved, err := repo.SavePlaylist(ctx, playlist)
		if err != nil {
			t.Fatalf("failed to save playlist: %v", err)
		}

		loaded, err := repo.GetPlaylist(ctx, saved.ID)
		if err != nil {
			t.Fatalf("failed to load playlist: %v", err)
		}
		if len(loaded.Tracks) != 2 {
			t.Fatalf("expected 2 tracks, got %d", len(loaded.Tracks))
		}
		if loaded.Tracks[0].Title != "First" || loaded.Tracks[1].Title != "Second" {
			t.Errorf("tracks out of order: %q, %q", loaded.Tracks[0].Title, loaded.Tracks[1].Title)
		}
		if external, ok := loaded.ConnectorPlaylistIDs[models.ConnectorSpotify]; !ok || external != "pl-ord" {
			t.Errorf("expected connector mapping pl-ord, got %v", loaded.ConnectorPlaylistIDs)
		}
	})

	t.Run("UpdatePlaylistDiffs", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := newRepo(db)
		playlist, _ := models.NewPlaylist("Evolving")
		playlist = playlist.
			WithConnectorPlaylistID(models.ConnectorSpotify, "pl-evo").
			WithTracks([]models.Track{
				spotifyTrack(t, "Keep", "Artist", "sp-301", "GBAAA9200301"),
				spotifyTrack(t, "Drop", "Artist", "sp-302", "GBAAA9200302"),
			})

		saved, err := repo.SavePlaylist(ctx, playlist)
		if err != nil {
			t.Fatalf("failed to save playlist: %v", err)
		}

		next := saved.WithTracks([]models.Track{
			spotifyTrack(t, "Added", "Artist", "sp-303", "GBAAA9200303"),
			saved.Tracks[0],
		})
		updated, err := repo.UpdatePlaylist(ctx, saved.ID, next)
		if err != nil {
			t.Fatalf("failed to update playlist: %v", err)
		}
		if len(updated.Tracks) != 2 {
			t.Fatalf("expected 2 tracks after update, got %d", len(updated.Tracks))
		}

		loaded, err := repo.GetPlaylist(ctx, saved.ID)
		if err != nil {
			t.Fatalf("failed to reload playlist: %v", err)
		}
		if len(loaded.Tracks) != 2 {
			t.Fatalf("expected 2 live tracks, got %d", len(loaded.Tracks))
		}
		if loaded.Tracks[0].Title != "Added" || loaded.Tracks[1].Title != "Keep" {
			t.Errorf("unexpected order after update: %q, %q", loaded.Tracks[0].Title, loaded.Tracks[1].Title)
		}

		var removed int
		err = db.QueryRow(`
			SELECT COUNT(*) FROM playlist_tracks
			WHERE playlist_id = ? AND is_deleted = 1
		`, saved.ID).Scan(&removed)
		if err != nil {
			t.Fatalf("failed to count removed rows: %v", err)
		}
		if removed != 1 {
			t.Errorf("expected 1 soft-deleted membership row, got %d", removed)
		}
	})

	t.Run("UpdateNotFound", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := newRepo(db)
		playlist, _ := models.NewPlaylist("Ghost")
		if _, err := repo.UpdatePlaylist(ctx, 9999, playlist); err == nil {
			t.Fatal("expected error updating nonexistent playlist")
		}
	})

	t.Run("FindByConnector", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := newRepo(db)
		playlist, _ := models.NewPlaylist("Findable")
		playlist = playlist.WithConnectorPlaylistID(models.ConnectorSpotify, "pl-find")
		saved, err := repo.SavePlaylist(ctx, playlist)
		if err != nil {
			t.Fatalf("failed to save playlist: %v", err)
		}

		found, err := repo.FindByConnector(ctx, models.ConnectorSpotify, "pl-find")
		if err != nil {
			t.Fatalf("failed to find playlist: %v", err)
		}
		if found.ID != saved.ID {
			t.Errorf("expected playlist %d, got %d", saved.ID, found.ID)
		}

		if _, err := repo.FindByConnector(ctx, models.ConnectorSpotify, "missing"); err == nil {
			t.Fatal("expected error for unmapped playlist")
		}
	})

	t.Run("ListPlaylists", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := newRepo(db)

		summaries, err := repo.ListPlaylists(ctx)
		if err != nil {
			t.Fatalf("failed to list playlists: %v", err)
		}
		if len(summaries) != 0 {
			t.Fatalf("expected no playlists, got %d", len(summaries))
		}

		first, _ := models.NewPlaylist("Alpha")
		first = first.
			WithConnectorPlaylistID(models.ConnectorSpotify, "pl-alpha").
			WithTracks([]models.Track{
				spotifyTrack(t, "One", "Artist", "sp-401", "GBAAA9200401"),
				spotifyTrack(t, "Two", "Artist", "sp-402", "GBAAA9200402"),
			})
		if _, err := repo.SavePlaylist(ctx, first); err != nil {
			t.Fatalf("failed to save playlist: %v", err)
		}

		second, _ := models.NewPlaylist("Beta")
		second = second.WithDescription("empty on purpose")
		if _, err := repo.SavePlaylist(ctx, second); err != nil {
			t.Fatalf("failed to save playlist: %v", err)
		}

		summaries, err = repo.ListPlaylists(ctx)
		if err != nil {
			t.Fatalf("failed to list playlists: %v", err)
		}
		if len(summaries) != 2 {
			t.Fatalf("expected 2 playlists, got %d", len(summaries))
		}
		if summaries[0].Name != "Alpha" || summaries[0].TrackCount != 2 {
			t.Errorf("unexpected first summary: %+v", summaries[0])
		}
		if summaries[1].Name != "Beta" || summaries[1].TrackCount != 0 {
			t.Errorf("unexpected second summary: %+v", summaries[1])
		}
		if summaries[1].Description != "empty on purpose" {
			t.Errorf("expected description to round-trip, got %q", summaries[1].Description)
		}
	})
}

func TestMetricsRepository(t *testing.T) {
	ctx := context.Background()

	t.Run("SaveAndGetLatest", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		tracks := NewTrackRepository(db, testLogger())
		track, _ := models.NewTrack("Rhubarb", models.Artist{Name: "Aphex Twin"})
		saved, err := tracks.SaveTrack(ctx, track)
		if err != nil {
			t.Fatalf("failed to save track: %v", err)
		}

		repo := NewMetricsRepository(db, testLogger())
		err = repo.SaveTrackMetrics(ctx, []MetricPoint{
			{TrackID: saved.ID, ConnectorName: models.ConnectorLastfm, MetricType: "user_playcount", Value: 10},
		})
		if err != nil {
			t.Fatalf("failed to save metrics: %v", err)
		}

		time.Sleep(5 * time.Millisecond)
		err = repo.SaveTrackMetrics(ctx, []MetricPoint{
			{TrackID: saved.ID, ConnectorName: models.ConnectorLastfm, MetricType: "user_playcount", Value: 12},
		})
		if err != nil {
			t.Fatalf("failed to save second batch: %v", err)
		}

		values, err := repo.GetTrackMetrics(ctx, []int{saved.ID}, "user_playcount", models.ConnectorLastfm, 0)
		if err != nil {
			t.Fatalf("failed to read metrics: %v", err)
		}
		if values[saved.ID] != 12 {
			t.Errorf("expected latest value 12, got %v", values[saved.ID])
		}

		history, err := repo.GetMetricHistory(ctx, saved.ID, "user_playcount", models.ConnectorLastfm)
		if err != nil {
			t.Fatalf("failed to read history: %v", err)
		}
		if len(history) != 2 {
			t.Errorf("expected 2 history points, got %d", len(history))
		}
	})

	t.Run("MaxAgeExcludesStale", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		tracks := NewTrackRepository(db, testLogger())
		track, _ := models.NewTrack("Lichen", models.Artist{Name: "Aphex Twin"})
		saved, err := tracks.SaveTrack(ctx, track)
		if err != nil {
			t.Fatalf("failed to save track: %v", err)
		}

		stale := time.Now().UTC().Add(-48 * time.Hour)
		_, err = db.Exec(`
			INSERT INTO track_metrics (track_id, connector_name, metric_type, value, collected_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, saved.ID, models.ConnectorLastfm, "listeners", 500.0, stale, stale, stale)
		if err != nil {
			t.Fatalf("failed to seed stale metric: %v", err)
		}

		repo := NewMetricsRepository(db, testLogger())
		fresh, err := repo.GetTrackMetrics(ctx, []int{saved.ID}, "listeners", models.ConnectorLastfm, 24*time.Hour)
		if err != nil {
			t.Fatalf("failed to read metrics: %v", err)
		}
		if _, ok := fresh[saved.ID]; ok {
			t.Error("expected stale metric excluded by max age")
		}

		all, err := repo.GetTrackMetrics(ctx, []int{saved.ID}, "listeners", models.ConnectorLastfm, 0)
		if err != nil {
			t.Fatalf("failed to read metrics: %v", err)
		}
		if all[saved.ID] != 500 {
			t.Errorf("expected unfiltered read to return 500, got %v", all[saved.ID])
		}
	})

	t.Run("EmptyInput", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := NewMetricsRepository(db, testLogger())
		values, err := repo.GetTrackMetrics(ctx, nil, "listeners", models.ConnectorLastfm, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(values) != 0 {
			t.Errorf("expected empty result, got %v", values)
		}
	})
}

func TestLikeRepository(t *testing.T) {
	ctx := context.Background()

	t.Run("UpsertAndUnsynced", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		tracks := NewTrackRepository(db, testLogger())
		likes := NewLikeRepository(db, testLogger())

		var ids []int
		for _, title := range []string{"Cliffs", "Mould", "Rhubarb"} {
			track, _ := models.NewTrack(title, models.Artist{Name: "Aphex Twin"})
			saved, err := tracks.SaveTrack(ctx, track)
			if err != nil {
				t.Fatalf("failed to save track: %v", err)
			}
			ids = append(ids, saved.ID)
		}

		likedAt := time.Now().UTC().Add(-time.Hour)
		for _, id := range ids {
			if err := likes.UpsertLike(ctx, id, models.ConnectorSpotify, true, &likedAt); err != nil {
				t.Fatalf("failed to upsert like: %v", err)
			}
		}

		// One like already carried over to the target service.
		if err := likes.MarkSynced(ctx, ids[0], models.ConnectorLastfm, time.Now().UTC()); err != nil {
			t.Fatalf("failed to mark synced: %v", err)
		}

		unsynced, err := likes.GetUnsyncedLikes(ctx, models.ConnectorSpotify, models.ConnectorLastfm, nil)
		if err != nil {
			t.Fatalf("failed to read unsynced likes: %v", err)
		}
		if len(unsynced) != 2 {
			t.Fatalf("expected 2 unsynced likes, got %d", len(unsynced))
		}
		for _, l := range unsynced {
			if l.TrackID == ids[0] {
				t.Error("synced like should not be returned")
			}
		}
	})

	t.Run("UpsertIsIdempotent", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		tracks := NewTrackRepository(db, testLogger())
		likes := NewLikeRepository(db, testLogger())

		track, _ := models.NewTrack("Tassels", models.Artist{Name: "Aphex Twin"})
		saved, err := tracks.SaveTrack(ctx, track)
		if err != nil {
			t.Fatalf("failed to save track: %v", err)
		}

		likedAt := time.Now().UTC()
		if err := likes.UpsertLike(ctx, saved.ID, models.ConnectorSpotify, true, &likedAt); err != nil {
			t.Fatalf("failed first upsert: %v", err)
		}
		if err := likes.UpsertLike(ctx, saved.ID, models.ConnectorSpotify, false, nil); err != nil {
			t.Fatalf("failed second upsert: %v", err)
		}

		var count int
		if err := db.QueryRow("SELECT COUNT(*) FROM track_likes").Scan(&count); err != nil {
			t.Fatalf("failed to count likes: %v", err)
		}
		if count != 1 {
			t.Errorf("expected one like row, got %d", count)
		}

		var isLiked bool
		var storedLikedAt sql.NullTime
		err = db.QueryRow(
			"SELECT is_liked, liked_at FROM track_likes WHERE track_id = ?", saved.ID,
		).Scan(&isLiked, &storedLikedAt)
		if err != nil {
			t.Fatalf("failed to read like: %v", err)
		}
		if isLiked {
			t.Error("expected is_liked updated to false")
		}
		if !storedLikedAt.Valid {
			t.Error("expected original liked_at preserved when update carries none")
		}
	})
}

func TestPlayRepository(t *testing.T) {
	ctx := context.Background()

	t.Run("BulkInsertAndQuery", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		tracks := NewTrackRepository(db, testLogger())
		track, _ := models.NewTrack("Curtains", models.Artist{Name: "Aphex Twin"})
		saved, err := tracks.SaveTrack(ctx, track)
		if err != nil {
			t.Fatalf("failed to save track: %v", err)
		}

		repo := NewPlayRepository(db, testLogger())
		base := time.Now().UTC().Truncate(time.Second)
		inserted, err := repo.BulkInsertPlays(ctx, []models.TrackPlay{
			{TrackID: saved.ID, Service: models.ConnectorLastfm, PlayedAt: base.Add(-2 * time.Hour)},
			{TrackID: saved.ID, Service: models.ConnectorLastfm, PlayedAt: base.Add(-time.Hour), Context: map[string]any{"album": "SAW85-92"}},
			{TrackID: saved.ID, Service: models.ConnectorLastfm, PlayedAt: base},
		})
		if err != nil {
			t.Fatalf("failed to insert plays: %v", err)
		}
		if inserted != 3 {
			t.Fatalf("expected 3 inserts, got %d", inserted)
		}

		plays, err := repo.GetPlays(ctx, models.ConnectorLastfm, nil, 0)
		if err != nil {
			t.Fatalf("failed to read plays: %v", err)
		}
		if len(plays) != 3 {
			t.Fatalf("expected 3 plays, got %d", len(plays))
		}
		if !plays[0].PlayedAt.After(plays[1].PlayedAt) {
			t.Error("expected newest-first ordering")
		}

		since := base.Add(-90 * time.Minute)
		recent, err := repo.GetPlays(ctx, models.ConnectorLastfm, &since, 0)
		if err != nil {
			t.Fatalf("failed to read recent plays: %v", err)
		}
		if len(recent) != 2 {
			t.Fatalf("expected 2 plays after since, got %d", len(recent))
		}
		if recent[1].Context["album"] != "SAW85-92" {
			t.Errorf("expected play context round-tripped, got %v", recent[1].Context)
		}

		limited, err := repo.GetPlays(ctx, models.ConnectorLastfm, nil, 1)
		if err != nil {
			t.Fatalf("failed to read limited plays: %v", err)
		}
		if len(limited) != 1 {
			t.Fatalf("expected 1 play with limit, got %d", len(limited))
		}
	})
}

func TestCheckpointRepository(t *testing.T) {
	ctx := context.Background()

	t.Run("GetAbsentReturnsNil", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := NewCheckpointRepository(db, testLogger())
		cp, err := repo.Get(ctx, "default", models.ConnectorLastfm, "plays")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cp != nil {
			t.Fatalf("expected nil checkpoint, got %+v", cp)
		}
	})

	t.Run("UpsertRoundTrip", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := NewCheckpointRepository(db, testLogger())
		first := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
		err := repo.Upsert(ctx, models.SyncCheckpoint{
			UserID: "default", Service: models.ConnectorLastfm, EntityType: "plays",
			LastTimestamp: &first, Cursor: "page=3",
		})
		if err != nil {
			t.Fatalf("failed first upsert: %v", err)
		}

		second := time.Now().UTC().Truncate(time.Second)
		err = repo.Upsert(ctx, models.SyncCheckpoint{
			UserID: "default", Service: models.ConnectorLastfm, EntityType: "plays",
			LastTimestamp: &second, Cursor: "",
		})
		if err != nil {
			t.Fatalf("failed second upsert: %v", err)
		}

		cp, err := repo.Get(ctx, "default", models.ConnectorLastfm, "plays")
		if err != nil {
			t.Fatalf("failed to read checkpoint: %v", err)
		}
		if cp == nil {
			t.Fatal("expected checkpoint")
		}
		if cp.LastTimestamp == nil || !cp.LastTimestamp.Equal(second) {
			t.Errorf("expected last timestamp %v, got %v", second, cp.LastTimestamp)
		}
		if cp.Cursor != "" {
			t.Errorf("expected cursor cleared, got %q", cp.Cursor)
		}

		var count int
		if err := db.QueryRow("SELECT COUNT(*) FROM sync_checkpoints").Scan(&count); err != nil {
			t.Fatalf("failed to count checkpoints: %v", err)
		}
		if count != 1 {
			t.Errorf("expected single checkpoint row, got %d", count)
		}
	})
}
