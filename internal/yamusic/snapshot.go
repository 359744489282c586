package yamusic

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dkoval/likewatch/internal/logging"
)

var musicLog = logging.ForComponent(logging.CompMusic)

const untitledPlaceholder = "<untitled>"

// TrackDisplay renders a track as "Artist1, Artist2 — Title". Tracks
// without artist data show the title alone; a missing title gets a
// placeholder so the entry is never empty.
func TrackDisplay(t Track) string {
	title := t.Title
	if title == "" {
		title = untitledPlaceholder
	}

	names := make([]string, 0, len(t.Artists))
	for _, a := range t.Artists {
		if a.Name != "" {
			names = append(names, a.Name)
		}
	}
	if len(names) > 0 {
		return strings.Join(names, ", ") + " — " + title
	}
	return title
}

// FetchSnapshot builds the track-key to display-string mapping for the
// owner's liked tracks. Entries missing embedded details (a known gap in
// the listing) are resolved via the bulk lookup; whatever remains
// unresolved keeps a synthetic placeholder rather than being dropped, so a
// present-but-undisplayable track never looks removed to the differ. A
// failed bulk lookup degrades to all-placeholders instead of aborting.
func FetchSnapshot(ctx context.Context, client *Client, uid int64) (map[string]string, error) {
	likes, err := client.LikedTracks(ctx, uid)
	if err != nil {
		return nil, err
	}

	snap := make(map[string]string, len(likes))
	var missing []string
	for _, lt := range likes {
		key := lt.Key()
		if lt.Track != nil {
			snap[key] = TrackDisplay(*lt.Track)
		} else {
			missing = append(missing, key)
		}
	}

	if len(missing) > 0 {
		resolved, err := client.TracksByIDs(ctx, missing)
		if err != nil {
			musicLog.Warn("bulk_lookup_failed",
				slog.Int("missing", len(missing)),
				slog.String("error", err.Error()))
			resolved = nil
		}
		for _, key := range missing {
			if tr, ok := resolved[key]; ok {
				snap[key] = TrackDisplay(tr)
			} else {
				snap[key] = fmt.Sprintf("<track_id=%s>", key)
			}
		}
	}

	return snap, nil
}
