// Package types defines the core domain types for the permission overlay.
package types

// PermissionRecord represents the emulated ownership and mode for one
// virtual path. Mode carries the full stat mode bits (file type bits plus
// permission bits), as returned by lstat(2).
type PermissionRecord struct {
	Uid  uint32 `json:"uid"`
	Gid  uint32 `json:"gid"`
	Mode uint32 `json:"mode"`
}

// IsTrivialDefault reports whether the record overrides nothing: owner
// root/root and mode equal to the real file's current mode. Trivial
// records are pruned when the overlay is persisted.
func (r PermissionRecord) IsTrivialDefault(realMode uint32) bool {
	return r.Uid == 0 && r.Gid == 0 && r.Mode == realMode
}
