package fs

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/permfs/permfs/pkg/types"
)

// modeTable builds a realMode lookup from a fixed map, standing in for
// lstat during pruning.
func modeTable(modes map[string]uint32) func(string) (uint32, bool) {
	return func(path string) (uint32, bool) {
		mode, ok := modes[path]
		return mode, ok
	}
}

func TestLoadPermissionStore_MissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), SidecarName)

	s, err := LoadPermissionStore(path)
	if err != nil {
		t.Fatalf("missing sidecar should load as empty store, got: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("expected empty store, got %d records", s.Len())
	}
}

func TestLoadPermissionStore_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), SidecarName)
	content := `{"/a.txt":{"uid":1000,"gid":100,"mode":33152},"/dir":{"uid":0,"gid":0,"mode":16877}}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write sidecar: %v", err)
	}

	s, err := LoadPermissionStore(path)
	if err != nil {
		t.Fatalf("failed to load sidecar: %v", err)
	}
	if s.Len() != 2 {
		t.Errorf("expected 2 records, got %d", s.Len())
	}

	rec, ok := s.Get("/a.txt")
	if !ok {
		t.Fatal("expected record for /a.txt")
	}
	want := types.PermissionRecord{Uid: 1000, Gid: 100, Mode: 0o100600}
	if rec != want {
		t.Errorf("Get(/a.txt) = %+v, want %+v", rec, want)
	}
}

func TestLoadPermissionStore_CorruptFile(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"truncated json", `{"/a.txt":{"uid":1000`},
		{"wrong top-level type", `["not","an","object"]`},
		{"plain text", `hello`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), SidecarName)
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatalf("failed to write sidecar: %v", err)
			}

			_, err := LoadPermissionStore(path)
			if err == nil {
				t.Fatal("expected error for corrupt sidecar")
			}
			if !errors.Is(err, types.ErrCorruptSidecar) {
				t.Errorf("expected ErrCorruptSidecar, got: %v", err)
			}
		})
	}
}

func TestPermissionStore_LookupOrInit(t *testing.T) {
	s := &PermissionStore{records: make(map[string]types.PermissionRecord)}

	rec := s.LookupOrInit("/a.txt", 0o100644)
	want := types.PermissionRecord{Uid: 0, Gid: 0, Mode: 0o100644}
	if rec != want {
		t.Errorf("first lookup = %+v, want %+v", rec, want)
	}

	// The seeded mode stays pinned even if the real mode changes.
	rec = s.LookupOrInit("/a.txt", 0o100755)
	if rec != want {
		t.Errorf("second lookup = %+v, want %+v", rec, want)
	}
}

func TestPermissionStore_SetMode(t *testing.T) {
	s := &PermissionStore{records: make(map[string]types.PermissionRecord)}

	// Fresh record: owner defaults to 0/0.
	s.SetMode("/a.txt", 0o100600)
	rec, _ := s.Get("/a.txt")
	if rec != (types.PermissionRecord{Uid: 0, Gid: 0, Mode: 0o100600}) {
		t.Errorf("fresh SetMode gave %+v", rec)
	}

	// Existing record: owner untouched.
	uid, gid := uint32(42), uint32(43)
	s.SetOwner("/a.txt", &uid, &gid, 0)
	s.SetMode("/a.txt", 0o100640)
	rec, _ = s.Get("/a.txt")
	if rec != (types.PermissionRecord{Uid: 42, Gid: 43, Mode: 0o100640}) {
		t.Errorf("SetMode on existing record gave %+v", rec)
	}
}

func TestPermissionStore_SetOwner(t *testing.T) {
	uid, gid := uint32(1000), uint32(100)

	t.Run("fresh record copies real mode", func(t *testing.T) {
		s := &PermissionStore{records: make(map[string]types.PermissionRecord)}
		s.SetOwner("/a.txt", &uid, &gid, 0o100644)
		rec, _ := s.Get("/a.txt")
		if rec != (types.PermissionRecord{Uid: 1000, Gid: 100, Mode: 0o100644}) {
			t.Errorf("got %+v", rec)
		}
	})

	t.Run("existing record keeps mode", func(t *testing.T) {
		s := &PermissionStore{records: make(map[string]types.PermissionRecord)}
		s.SetMode("/a.txt", 0o100600)
		s.SetOwner("/a.txt", &uid, &gid, 0o100644)
		rec, _ := s.Get("/a.txt")
		if rec != (types.PermissionRecord{Uid: 1000, Gid: 100, Mode: 0o100600}) {
			t.Errorf("got %+v", rec)
		}
	})

	t.Run("nil uid keeps current", func(t *testing.T) {
		s := &PermissionStore{records: make(map[string]types.PermissionRecord)}
		s.SetOwner("/a.txt", &uid, &gid, 0o100644)
		newGid := uint32(200)
		s.SetOwner("/a.txt", nil, &newGid, 0o100644)
		rec, _ := s.Get("/a.txt")
		if rec != (types.PermissionRecord{Uid: 1000, Gid: 200, Mode: 0o100644}) {
			t.Errorf("got %+v", rec)
		}
	})

	t.Run("nil gid keeps current", func(t *testing.T) {
		s := &PermissionStore{records: make(map[string]types.PermissionRecord)}
		s.SetOwner("/a.txt", &uid, &gid, 0o100644)
		newUid := uint32(2000)
		s.SetOwner("/a.txt", &newUid, nil, 0o100644)
		rec, _ := s.Get("/a.txt")
		if rec != (types.PermissionRecord{Uid: 2000, Gid: 100, Mode: 0o100644}) {
			t.Errorf("got %+v", rec)
		}
	})
}

// Applying chmod and chown to an untouched path must end in the same
// state regardless of order.
func TestPermissionStore_ChmodChownOrderIndependence(t *testing.T) {
	uid, gid := uint32(42), uint32(42)
	want := types.PermissionRecord{Uid: 42, Gid: 42, Mode: 0o600}

	chmodFirst := &PermissionStore{records: make(map[string]types.PermissionRecord)}
	chmodFirst.SetMode("/f", 0o600)
	chmodFirst.SetOwner("/f", &uid, &gid, 0o644)

	chownFirst := &PermissionStore{records: make(map[string]types.PermissionRecord)}
	chownFirst.SetOwner("/f", &uid, &gid, 0o644)
	chownFirst.SetMode("/f", 0o600)

	got1, _ := chmodFirst.Get("/f")
	got2, _ := chownFirst.Get("/f")
	if got1 != want {
		t.Errorf("chmod then chown = %+v, want %+v", got1, want)
	}
	if got2 != want {
		t.Errorf("chown then chmod = %+v, want %+v", got2, want)
	}
}

func TestPermissionStore_SerializePruned(t *testing.T) {
	s := &PermissionStore{records: map[string]types.PermissionRecord{
		"/untouched": {Uid: 0, Gid: 0, Mode: 0o100644},
		"/owned":     {Uid: 1000, Gid: 100, Mode: 0o100644},
		"/vanished":  {Uid: 1000, Gid: 100, Mode: 0o100600},
	}}
	realModes := modeTable(map[string]uint32{
		"/untouched": 0o100644,
		"/owned":     0o100644,
	})

	data, err := s.SerializePruned(realModes)
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}

	loaded := &PermissionStore{records: make(map[string]types.PermissionRecord)}
	if err := json.Unmarshal(data, &loaded.records); err != nil {
		t.Fatalf("output does not parse: %v", err)
	}

	if _, ok := loaded.Get("/untouched"); ok {
		t.Error("trivial default should be pruned")
	}
	if _, ok := loaded.Get("/vanished"); ok {
		t.Error("record for vanished path should be pruned")
	}
	rec, ok := loaded.Get("/owned")
	if !ok {
		t.Fatal("non-trivial record should survive pruning")
	}
	if rec != (types.PermissionRecord{Uid: 1000, Gid: 100, Mode: 0o100644}) {
		t.Errorf("surviving record = %+v", rec)
	}
}

// Pruning an already-pruned store is the identity: serializing the
// loaded output again must yield byte-identical data.
func TestPermissionStore_SerializePruned_Idempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, SidecarName)

	s := &PermissionStore{path: path, records: map[string]types.PermissionRecord{
		"/a": {Uid: 1000, Gid: 100, Mode: 0o100600},
		"/b": {Uid: 0, Gid: 0, Mode: 0o100755},
		"/c": {Uid: 0, Gid: 0, Mode: 0o100644},
	}}
	realModes := modeTable(map[string]uint32{
		"/a": 0o100644,
		"/b": 0o100644,
		"/c": 0o100644, // matches the record, so /c is trivial
	})

	first, err := s.SerializePruned(realModes)
	if err != nil {
		t.Fatalf("first serialize failed: %v", err)
	}

	if err := os.WriteFile(path, first, 0644); err != nil {
		t.Fatalf("failed to write sidecar: %v", err)
	}
	reloaded, err := LoadPermissionStore(path)
	if err != nil {
		t.Fatalf("failed to reload sidecar: %v", err)
	}

	second, err := reloaded.SerializePruned(realModes)
	if err != nil {
		t.Fatalf("second serialize failed: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Errorf("pruning is not idempotent:\n first: %s\nsecond: %s", first, second)
	}
}

func TestPermissionStore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, SidecarName)

	s := &PermissionStore{path: path, records: map[string]types.PermissionRecord{
		"/a.txt":     {Uid: 1000, Gid: 100, Mode: 0o100600},
		"/dir":       {Uid: 0, Gid: 0, Mode: 0o40700},
		"/dir/b.txt": {Uid: 42, Gid: 42, Mode: 0o100644},
	}}
	realModes := modeTable(map[string]uint32{
		"/a.txt":     0o100644,
		"/dir":       0o40755,
		"/dir/b.txt": 0o100644,
	})

	if err := s.Persist(realModes); err != nil {
		t.Fatalf("persist failed: %v", err)
	}

	loaded, err := LoadPermissionStore(path)
	if err != nil {
		t.Fatalf("failed to load persisted sidecar: %v", err)
	}

	for vpath, want := range s.records {
		got, ok := loaded.Get(vpath)
		if !ok {
			t.Errorf("record for %s lost in round trip", vpath)
			continue
		}
		if got != want {
			t.Errorf("record for %s = %+v, want %+v", vpath, got, want)
		}
	}
	if loaded.Len() != len(s.records) {
		t.Errorf("round trip produced %d records, want %d", loaded.Len(), len(s.records))
	}
}

func TestPermissionStore_Persist_EmptyWritesNoFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, SidecarName)

	s := &PermissionStore{path: path, records: map[string]types.PermissionRecord{
		"/untouched": {Uid: 0, Gid: 0, Mode: 0o100644},
	}}
	realModes := modeTable(map[string]uint32{"/untouched": 0o100644})

	if err := s.Persist(realModes); err != nil {
		t.Fatalf("persist failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("sidecar file should not exist when nothing is overridden")
	}
}

func TestPermissionStore_Persist_EmptyRemovesStaleFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, SidecarName)

	if err := os.WriteFile(path, []byte(`{"/old":{"uid":1,"gid":1,"mode":33188}}`), 0644); err != nil {
		t.Fatalf("failed to write stale sidecar: %v", err)
	}

	s := &PermissionStore{path: path, records: make(map[string]types.PermissionRecord)}
	if err := s.Persist(modeTable(nil)); err != nil {
		t.Fatalf("persist failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("stale sidecar should be removed when nothing is overridden")
	}
}
