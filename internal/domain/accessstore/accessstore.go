// Package accessstore persists the set of chats and users allowed to use the
// bot: an authorized-chats JSON file and a newline-delimited user whitelist.
// Both are mutated by the bot process and read/mutated by this repository's
// admin CLI, so every read-modify-write goes through filelock the same way
// the JobStore does.
package accessstore

import (
	"bufio"
	"encoding/json"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/go-faster/errors"

	"clipqueue/internal/infra/filelock"
	"clipqueue/internal/infra/storage"
)

// Store holds the paths backing the authorized-chats and whitelist files and
// the lock file guarding both. A single lock file is sufficient since the two
// files are small and always read/written together from this repository's
// perspective.
type Store struct {
	authorizedChatsFile string
	whitelistFile       string
	lockFile            string
}

// Open builds a Store over the given files; none need to exist yet.
func Open(authorizedChatsFile, whitelistFile, lockFile string) *Store {
	return &Store{
		authorizedChatsFile: authorizedChatsFile,
		whitelistFile:       whitelistFile,
		lockFile:            lockFile,
	}
}

type authorizedChatsPayload struct {
	AuthorizedChatIDs []int64 `json:"authorized_chat_ids"`
}

// readAuthorizedLocked returns an empty set if the file doesn't exist or
// can't be parsed, matching the reference store's fail-open-to-empty read
// path — a corrupt file should not crash a read.
func (s *Store) readAuthorizedLocked() (map[int64]struct{}, error) {
	data, err := os.ReadFile(s.authorizedChatsFile)
	if os.IsNotExist(err) {
		return map[int64]struct{}{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read authorized chats file")
	}

	var payload authorizedChatsPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return map[int64]struct{}{}, nil
	}
	out := make(map[int64]struct{}, len(payload.AuthorizedChatIDs))
	for _, id := range payload.AuthorizedChatIDs {
		out[id] = struct{}{}
	}
	return out, nil
}

func (s *Store) writeAuthorizedLocked(ids map[int64]struct{}) error {
	sorted := make([]int64, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	data, err := json.MarshalIndent(authorizedChatsPayload{AuthorizedChatIDs: sorted}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal authorized chats")
	}
	data = append(data, '\n')
	return storage.AtomicWriteFile(s.authorizedChatsFile, data)
}

func (s *Store) readWhitelistLocked() (map[int64]struct{}, error) {
	f, err := os.Open(s.whitelistFile)
	if os.IsNotExist(err) {
		return map[int64]struct{}{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read whitelist file")
	}
	defer func() { _ = f.Close() }()

	out := map[int64]struct{}{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		id, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			continue
		}
		out[id] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scan whitelist file")
	}
	return out, nil
}

func (s *Store) writeWhitelistLocked(ids map[int64]struct{}) error {
	sorted := make([]int64, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var buf strings.Builder
	for _, id := range sorted {
		buf.WriteString(strconv.FormatInt(id, 10))
		buf.WriteByte('\n')
	}
	return storage.AtomicWriteFile(s.whitelistFile, []byte(buf.String()))
}

// IsChatAuthorized reports whether chatID appears in the authorized-chats file.
func (s *Store) IsChatAuthorized(chatID int64) (bool, error) {
	var authorized bool
	err := filelock.WithLock(s.lockFile, func() error {
		ids, err := s.readAuthorizedLocked()
		if err != nil {
			return err
		}
		_, authorized = ids[chatID]
		return nil
	})
	return authorized, err
}

// AuthorizeChat adds chatID to the authorized-chats file, returning true if
// it was newly added (false if it was already present).
func (s *Store) AuthorizeChat(chatID int64) (bool, error) {
	var added bool
	err := filelock.WithLock(s.lockFile, func() error {
		ids, err := s.readAuthorizedLocked()
		if err != nil {
			return err
		}
		if _, exists := ids[chatID]; exists {
			return nil
		}
		ids[chatID] = struct{}{}
		added = true
		return s.writeAuthorizedLocked(ids)
	})
	return added, err
}

// RevokeChat removes chatID from the authorized-chats file, returning true if
// it was present and removed.
func (s *Store) RevokeChat(chatID int64) (bool, error) {
	var removed bool
	err := filelock.WithLock(s.lockFile, func() error {
		ids, err := s.readAuthorizedLocked()
		if err != nil {
			return err
		}
		if _, exists := ids[chatID]; !exists {
			return nil
		}
		delete(ids, chatID)
		removed = true
		return s.writeAuthorizedLocked(ids)
	})
	return removed, err
}

// ListAuthorizedChats returns every authorized chat ID, sorted ascending.
func (s *Store) ListAuthorizedChats() ([]int64, error) {
	var out []int64
	err := filelock.WithLock(s.lockFile, func() error {
		ids, err := s.readAuthorizedLocked()
		if err != nil {
			return err
		}
		for id := range ids {
			out = append(out, id)
		}
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		return nil
	})
	return out, err
}

// IsUserWhitelisted reports whether userID appears in the whitelist file.
func (s *Store) IsUserWhitelisted(userID int64) (bool, error) {
	var whitelisted bool
	err := filelock.WithLock(s.lockFile, func() error {
		ids, err := s.readWhitelistLocked()
		if err != nil {
			return err
		}
		_, whitelisted = ids[userID]
		return nil
	})
	return whitelisted, err
}

// AddUserToWhitelist adds userID to the whitelist file, returning true if it
// was newly added.
func (s *Store) AddUserToWhitelist(userID int64) (bool, error) {
	var added bool
	err := filelock.WithLock(s.lockFile, func() error {
		ids, err := s.readWhitelistLocked()
		if err != nil {
			return err
		}
		if _, exists := ids[userID]; exists {
			return nil
		}
		ids[userID] = struct{}{}
		added = true
		return s.writeWhitelistLocked(ids)
	})
	return added, err
}

// AddUsersToWhitelist bulk-adds userIDs under a single lock acquisition,
// returning the number of IDs that were newly added.
func (s *Store) AddUsersToWhitelist(userIDs []int64) (int, error) {
	added := 0
	err := filelock.WithLock(s.lockFile, func() error {
		ids, err := s.readWhitelistLocked()
		if err != nil {
			return err
		}
		before := len(ids)
		for _, id := range userIDs {
			ids[id] = struct{}{}
		}
		added = len(ids) - before
		if added > 0 {
			return s.writeWhitelistLocked(ids)
		}
		return nil
	})
	return added, err
}

// Counts reports the current size of both stores, for the admin CLI's status
// command.
func (s *Store) Counts() (authorizedChats int, whitelistedUsers int, err error) {
	err = filelock.WithLock(s.lockFile, func() error {
		ids, err := s.readAuthorizedLocked()
		if err != nil {
			return err
		}
		authorizedChats = len(ids)

		wl, err := s.readWhitelistLocked()
		if err != nil {
			return err
		}
		whitelistedUsers = len(wl)
		return nil
	})
	return authorizedChats, whitelistedUsers, err
}
