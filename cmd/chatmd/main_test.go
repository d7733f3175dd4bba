package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fsnotify/fsnotify"
)

func TestIsSaveEvent(t *testing.T) {
	target := filepath.Join("notes", "chat.md")

	tests := []struct {
		name string
		ev   fsnotify.Event
		want bool
	}{
		{
			name: "in-place write",
			ev:   fsnotify.Event{Name: target, Op: fsnotify.Write},
			want: true,
		},
		{
			name: "atomic rename lands as create",
			ev:   fsnotify.Event{Name: target, Op: fsnotify.Create},
			want: true,
		},
		{
			name: "unclean path still matches",
			ev:   fsnotify.Event{Name: filepath.Join("notes", ".", "chat.md"), Op: fsnotify.Write},
			want: true,
		},
		{
			name: "sibling temp file ignored",
			ev:   fsnotify.Event{Name: filepath.Join("notes", ".chat.md.swp"), Op: fsnotify.Write},
			want: false,
		},
		{
			name: "other file created in directory",
			ev:   fsnotify.Event{Name: filepath.Join("notes", "other.md"), Op: fsnotify.Create},
			want: false,
		},
		{
			name: "chmod on target ignored",
			ev:   fsnotify.Event{Name: target, Op: fsnotify.Chmod},
			want: false,
		},
		{
			name: "remove on target ignored",
			ev:   fsnotify.Event{Name: target, Op: fsnotify.Remove},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isSaveEvent(tt.ev, target); got != tt.want {
				t.Errorf("isSaveEvent(%v, %q) = %v, want %v", tt.ev, target, got, tt.want)
			}
		})
	}
}

func TestFileNotifierEcho(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.md")
	n := &fileNotifier{path: path}

	doc := []byte("## user\n\nhello\n\n## assistant\n\nhi\n")
	n.DocumentChanged("s1", doc)

	written, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(written) != string(doc) {
		t.Fatalf("written file = %q, want %q", written, doc)
	}
	if !n.isEcho(written) {
		t.Error("read-back of our own write should be an echo")
	}
	if n.isEcho([]byte("## user\n\nedited by hand\n")) {
		t.Error("a user edit must not count as an echo")
	}
}
