package client

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBookmarkStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "servers.yaml")
	bs := NewBookmarkStore(path)
	if err := bs.Load(); err != nil {
		t.Fatalf("Load of missing file: %v", err)
	}
	if len(bs.Bookmarks) != 0 {
		t.Fatalf("expected no bookmarks, got %d", len(bs.Bookmarks))
	}

	if !bs.Add(Bookmark{Name: "office", Addr: "relay:8443", Username: "alice", TLS: true}) {
		t.Fatal("first Add should report a new entry")
	}
	if bs.Add(Bookmark{Name: "office", Addr: "relay:9443", Username: "alice", TLS: true, Insecure: true}) {
		t.Fatal("second Add with same name should update")
	}
	if !bs.Touch("office", 1700000000) {
		t.Fatal("Touch missed existing bookmark")
	}
	if bs.Touch("home", 1) {
		t.Fatal("Touch found a bookmark that does not exist")
	}
	if err := bs.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := NewBookmarkStore(path)
	if err := loaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []Bookmark{{Name: "office", Addr: "relay:9443", Username: "alice", TLS: true, Insecure: true, LastUsed: 1700000000}}
	if diff := cmp.Diff(want, loaded.Bookmarks); diff != "" {
		t.Fatalf("bookmarks mismatch (-want +got):\n%s", diff)
	}
	if b := loaded.Find("office"); b == nil || b.Addr != "relay:9443" {
		t.Fatalf("Find(office) = %+v", b)
	}
	if loaded.Find("home") != nil {
		t.Fatal("Find(home) should be nil")
	}
}
