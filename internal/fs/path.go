package fs

import (
	"path/filepath"
	"strings"
)

// PathMap translates between virtual paths (as seen through the mount)
// and real paths under the source root. It holds no state beyond the
// root and is safe for concurrent use.
type PathMap struct {
	root string
}

// NewPathMap creates a PathMap rooted at the given source directory.
func NewPathMap(root string) *PathMap {
	return &PathMap{root: filepath.Clean(root)}
}

// Root returns the source root.
func (pm *PathMap) Root() string {
	return pm.root
}

// Real returns the real path under the source root for a virtual path.
// Input without a leading slash joins the same way, so relative symlink
// targets translate like rooted paths do.
func (pm *PathMap) Real(virtual string) string {
	return filepath.Join(pm.root, strings.TrimPrefix(virtual, "/"))
}

// RelativeToRoot rewrites an absolute real path as a path relative to
// the source root, keeping symlink targets resolvable through the
// mount. The root itself maps to ".".
func (pm *PathMap) RelativeToRoot(real string) string {
	rel, err := filepath.Rel(pm.root, real)
	if err != nil {
		return real
	}
	return rel
}
