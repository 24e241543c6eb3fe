package accessstore

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return Open(
		filepath.Join(dir, "authorized.json"),
		filepath.Join(dir, "whitelist.txt"),
		filepath.Join(dir, "access.lock"),
	)
}

func TestAuthorizeChatAndIsAuthorized(t *testing.T) {
	s := newTestStore(t)

	authorized, err := s.IsChatAuthorized(100)
	if err != nil {
		t.Fatalf("IsChatAuthorized: %v", err)
	}
	if authorized {
		t.Fatal("expected chat not authorized before Add")
	}

	added, err := s.AuthorizeChat(100)
	if err != nil {
		t.Fatalf("AuthorizeChat: %v", err)
	}
	if !added {
		t.Fatal("expected newly added true")
	}

	addedAgain, err := s.AuthorizeChat(100)
	if err != nil {
		t.Fatalf("AuthorizeChat (repeat): %v", err)
	}
	if addedAgain {
		t.Fatal("expected repeated authorize to report false")
	}

	authorized, err = s.IsChatAuthorized(100)
	if err != nil {
		t.Fatalf("IsChatAuthorized: %v", err)
	}
	if !authorized {
		t.Fatal("expected chat authorized after Add")
	}
}

func TestRevokeChat(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.AuthorizeChat(7); err != nil {
		t.Fatalf("AuthorizeChat: %v", err)
	}

	removed, err := s.RevokeChat(7)
	if err != nil {
		t.Fatalf("RevokeChat: %v", err)
	}
	if !removed {
		t.Fatal("expected removed true")
	}

	removedAgain, err := s.RevokeChat(7)
	if err != nil {
		t.Fatalf("RevokeChat (repeat): %v", err)
	}
	if removedAgain {
		t.Fatal("expected repeat revoke to report false")
	}
}

func TestListAuthorizedChatsSorted(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []int64{300, 100, 200} {
		if _, err := s.AuthorizeChat(id); err != nil {
			t.Fatalf("AuthorizeChat(%d): %v", id, err)
		}
	}

	list, err := s.ListAuthorizedChats()
	if err != nil {
		t.Fatalf("ListAuthorizedChats: %v", err)
	}
	want := []int64{100, 200, 300}
	if len(list) != len(want) {
		t.Fatalf("expected %v, got %v", want, list)
	}
	for i, id := range want {
		if list[i] != id {
			t.Errorf("expected %v, got %v", want, list)
			break
		}
	}
}

func TestWhitelistAddAndCheck(t *testing.T) {
	s := newTestStore(t)

	whitelisted, err := s.IsUserWhitelisted(42)
	if err != nil {
		t.Fatalf("IsUserWhitelisted: %v", err)
	}
	if whitelisted {
		t.Fatal("expected user not whitelisted before Add")
	}

	added, err := s.AddUserToWhitelist(42)
	if err != nil {
		t.Fatalf("AddUserToWhitelist: %v", err)
	}
	if !added {
		t.Fatal("expected newly added true")
	}

	whitelisted, err = s.IsUserWhitelisted(42)
	if err != nil {
		t.Fatalf("IsUserWhitelisted: %v", err)
	}
	if !whitelisted {
		t.Fatal("expected user whitelisted after Add")
	}
}

func TestAddUsersToWhitelistBulk(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.AddUserToWhitelist(1); err != nil {
		t.Fatalf("AddUserToWhitelist: %v", err)
	}

	added, err := s.AddUsersToWhitelist([]int64{1, 2, 3})
	if err != nil {
		t.Fatalf("AddUsersToWhitelist: %v", err)
	}
	if added != 2 {
		t.Fatalf("expected 2 newly added, got %d", added)
	}
}

func TestCounts(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.AuthorizeChat(1); err != nil {
		t.Fatalf("AuthorizeChat: %v", err)
	}
	if _, err := s.AddUsersToWhitelist([]int64{10, 20}); err != nil {
		t.Fatalf("AddUsersToWhitelist: %v", err)
	}

	chats, users, err := s.Counts()
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if chats != 1 {
		t.Errorf("expected 1 authorized chat, got %d", chats)
	}
	if users != 2 {
		t.Errorf("expected 2 whitelisted users, got %d", users)
	}
}

func TestWhitelistIgnoresCommentsAndBlankLines(t *testing.T) {
	dir := t.TempDir()
	whitelistPath := filepath.Join(dir, "whitelist.txt")
	s := Open(filepath.Join(dir, "authorized.json"), whitelistPath, filepath.Join(dir, "access.lock"))

	if err := os.WriteFile(whitelistPath, []byte("# comment\n\n123\n456\n"), 0o600); err != nil {
		t.Fatalf("write raw whitelist: %v", err)
	}

	whitelisted, err := s.IsUserWhitelisted(123)
	if err != nil {
		t.Fatalf("IsUserWhitelisted: %v", err)
	}
	if !whitelisted {
		t.Fatal("expected 123 to be parsed from raw whitelist file")
	}
}
