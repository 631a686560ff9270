package fs

import "testing"

func TestPathMap_Real(t *testing.T) {
	pm := NewPathMap("/data/src")

	tests := []struct {
		name     string
		virtual  string
		expected string
	}{
		{"root", "/", "/data/src"},
		{"file at root", "/a.txt", "/data/src/a.txt"},
		{"nested file", "/dir/sub/a.txt", "/data/src/dir/sub/a.txt"},
		{"unrooted input", "dir/a.txt", "/data/src/dir/a.txt"},
		{"empty input", "", "/data/src"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pm.Real(tt.virtual); got != tt.expected {
				t.Errorf("Real(%q) = %q, want %q", tt.virtual, got, tt.expected)
			}
		})
	}
}

func TestPathMap_RelativeToRoot(t *testing.T) {
	pm := NewPathMap("/data/src")

	tests := []struct {
		name     string
		real     string
		expected string
	}{
		{"root becomes dot", "/data/src", "."},
		{"file under root", "/data/src/a.txt", "a.txt"},
		{"nested file", "/data/src/dir/a.txt", "dir/a.txt"},
		{"outside root", "/etc/passwd", "../../etc/passwd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pm.RelativeToRoot(tt.real); got != tt.expected {
				t.Errorf("RelativeToRoot(%q) = %q, want %q", tt.real, got, tt.expected)
			}
		})
	}
}

func TestPathMap_RoundTrip(t *testing.T) {
	pm := NewPathMap("/data/src")

	for _, virtual := range []string{"/a.txt", "/dir/sub/b.txt"} {
		real := pm.Real(virtual)
		back := "/" + pm.RelativeToRoot(real)
		if back != virtual {
			t.Errorf("round trip of %q gave %q", virtual, back)
		}
	}
}
