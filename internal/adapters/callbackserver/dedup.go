package callbackserver

import (
	"go.etcd.io/bbolt"

	"clipqueue/internal/infra/concurrency"
)

const dedupBucket = "seen_event_ids"

// dedupWindow tracks the last 5000 distinct event IDs so a retried callback
// delivery is accepted (200) but not redispatched. The in-memory SeenSet
// gives O(1) lookups during normal operation; bboltPath (when non-empty)
// makes the window survive a callback server restart by replaying it into
// the SeenSet at startup and persisting every newly seen ID.
type dedupWindow struct {
	mem *concurrency.SeenSet
	db  *bbolt.DB
}

// openDedupWindow opens (creating if absent) a bbolt database at dbPath and
// replays its stored IDs into a capacity-bound in-memory SeenSet. An empty
// dbPath disables persistence — the window is then in-memory only, which is
// fine for tests and for a single long-lived process.
func openDedupWindow(dbPath string, capacity int) (*dedupWindow, error) {
	w := &dedupWindow{mem: concurrency.NewSeenSet(capacity)}
	if dbPath == "" {
		return w, nil
	}

	db, err := bbolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, err
	}
	w.db = db

	err = db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(dedupBucket))
		if err != nil {
			return err
		}
		return bucket.ForEach(func(k, _ []byte) error {
			w.mem.Add(string(k))
			return nil
		})
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

// markSeen reports whether eventID was already seen. If it's new, it is
// recorded in the in-memory set and, when persistence is enabled, written to
// bbolt best-effort (a persistence write failure is not fatal to serving the
// request — the in-memory mirror remains authoritative for this process's
// lifetime).
func (w *dedupWindow) markSeen(eventID string) bool {
	alreadySeen := w.mem.Add(eventID)
	if !alreadySeen && w.db != nil {
		_ = w.db.Update(func(tx *bbolt.Tx) error {
			bucket := tx.Bucket([]byte(dedupBucket))
			if bucket == nil {
				return nil
			}
			return bucket.Put([]byte(eventID), []byte{1})
		})
	}
	return alreadySeen
}

func (w *dedupWindow) Close() error {
	if w.db == nil {
		return nil
	}
	return w.db.Close()
}
