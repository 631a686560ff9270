package fs

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/permfs/permfs/pkg/types"
)

// SidecarName is the fixed name of the metadata file kept directly
// under the source root. The root directory listing hides it.
const SidecarName = ".fs_perm_remapper.json"

// PermissionStore holds the emulated ownership and mode records for
// virtual paths. It is loaded from the sidecar file at mount time and
// written back, pruned, at unmount time. The kernel bridge dispatches
// requests concurrently, so every access goes through the store lock.
type PermissionStore struct {
	mu      sync.Mutex
	path    string
	records map[string]types.PermissionRecord
}

// LoadPermissionStore reads the sidecar file at sidecarPath. A missing
// file yields an empty store. A file that exists but does not parse is
// fatal (ErrCorruptSidecar): mounting anyway would silently discard
// emulated permissions at the next unmount.
func LoadPermissionStore(sidecarPath string) (*PermissionStore, error) {
	s := &PermissionStore{
		path:    sidecarPath,
		records: make(map[string]types.PermissionRecord),
	}

	data, err := os.ReadFile(sidecarPath)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, &types.SidecarError{Path: sidecarPath, Op: "read", Err: err}
	}

	if err := json.Unmarshal(data, &s.records); err != nil {
		return nil, &types.SidecarError{
			Path: sidecarPath,
			Op:   "parse",
			Err:  fmt.Errorf("%w: %v", types.ErrCorruptSidecar, err),
		}
	}

	return s, nil
}

// Len returns the number of records currently held.
func (s *PermissionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Get returns the record for a virtual path without side effects.
func (s *PermissionStore) Get(virtualPath string) (types.PermissionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[virtualPath]
	return rec, ok
}

// LookupOrInit returns the record for a virtual path, inserting the
// default {uid 0, gid 0, mode realMode} the first time the path is
// observed. The insertion is deliberate: attribute queries seed the
// overlay, and the seeded mode stays pinned even if the real file's
// mode changes later.
func (s *PermissionStore) LookupOrInit(virtualPath string, realMode uint32) types.PermissionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[virtualPath]; ok {
		return rec
	}
	rec := types.PermissionRecord{Uid: 0, Gid: 0, Mode: realMode}
	s.records[virtualPath] = rec
	return rec
}

// SetOwner records an ownership override. A nil uid or gid leaves that
// field at its current value (0 on a fresh record). A fresh record
// copies its mode from realModeIfAbsent; an existing record keeps its
// mode untouched.
func (s *PermissionStore) SetOwner(virtualPath string, uid, gid *uint32, realModeIfAbsent uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[virtualPath]
	if !ok {
		rec = types.PermissionRecord{Mode: realModeIfAbsent}
	}
	if uid != nil {
		rec.Uid = *uid
	}
	if gid != nil {
		rec.Gid = *gid
	}
	s.records[virtualPath] = rec
}

// SetMode records a mode override. A fresh record starts with owner
// 0/0; an existing record keeps its owner untouched.
func (s *PermissionStore) SetMode(virtualPath string, mode uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.records[virtualPath]
	rec.Mode = mode
	s.records[virtualPath] = rec
}

// pruned returns a copy of the records with trivial defaults removed.
// realMode reports the real filesystem's current mode for a virtual
// path; paths it cannot resolve (deleted or renamed since they were
// recorded) are dropped.
func (s *PermissionStore) pruned(realMode func(string) (uint32, bool)) map[string]types.PermissionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]types.PermissionRecord, len(s.records))
	for path, rec := range s.records {
		mode, ok := realMode(path)
		if !ok {
			continue
		}
		if rec.IsTrivialDefault(mode) {
			continue
		}
		out[path] = rec
	}
	return out
}

// SerializePruned returns the sidecar JSON form of the store with
// trivial defaults pruned. Map keys marshal in sorted order, so equal
// stores produce byte-identical output.
func (s *PermissionStore) SerializePruned(realMode func(string) (uint32, bool)) ([]byte, error) {
	data, err := json.Marshal(s.pruned(realMode))
	if err != nil {
		return nil, fmt.Errorf("failed to serialize permission records: %w", err)
	}
	return data, nil
}

// Persist writes the pruned store to the sidecar file. When nothing
// non-trivial remains it writes no file, and removes a stale sidecar
// left over from an earlier mount.
func (s *PermissionStore) Persist(realMode func(string) (uint32, bool)) error {
	pruned := s.pruned(realMode)

	if len(pruned) == 0 {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return &types.SidecarError{Path: s.path, Op: "remove", Err: err}
		}
		return nil
	}

	data, err := json.Marshal(pruned)
	if err != nil {
		return fmt.Errorf("failed to serialize permission records: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return &types.SidecarError{Path: s.path, Op: "write", Err: err}
	}
	return nil
}
