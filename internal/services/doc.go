// Package services implements the external music service connectors.
//
// Spotify (OAuth2, playlists and liked tracks), Last.fm (track info,
// recent plays, loved tracks) and MusicBrainz (ISRC to MBID resolution).
// Every connector rate-limits its own requests and translates HTTP
// failures into transient or permanent errors so callers can decide
// whether a retry is worth it.
package services
