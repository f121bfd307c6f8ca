package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/joescharf/zenova/internal/store"
)

// dedupTTL is how long a delivery id is remembered. Plane retries
// webhooks within seconds, so a short window is enough.
const dedupTTL = 60 * time.Second

// Deduper drops repeated webhook deliveries for the same comment. The
// marker insert is the atomic claim: losing the insert means another
// delivery already holds the id.
type Deduper struct {
	db  *store.DB
	now func() time.Time
}

func NewDeduper(db *store.DB) *Deduper {
	return &Deduper{db: db, now: time.Now}
}

// Seen records the comment id and reports whether it was already seen
// within the dedup window.
func (d *Deduper) Seen(ctx context.Context, commentID string) (bool, error) {
	now := d.now().UTC()

	if _, err := d.db.ExecContext(ctx,
		`DELETE FROM webhook_dedup WHERE expires_at <= ?`, now.Unix()); err != nil {
		return false, fmt.Errorf("purging expired dedup markers: %w", err)
	}

	res, err := d.db.ExecContext(ctx, `
		INSERT INTO webhook_dedup (comment_id, expires_at)
		VALUES (?, ?)
		ON CONFLICT(comment_id) DO UPDATE SET
			expires_at = excluded.expires_at
		WHERE webhook_dedup.expires_at <= ?`,
		commentID, now.Add(dedupTTL).Unix(), now.Unix())
	if err != nil {
		return false, fmt.Errorf("recording dedup marker: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 0, nil
}
