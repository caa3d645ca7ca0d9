package templates

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/example/imager/core-go/internal/model"
)

func newDir(t *testing.T) Dir {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"handset.ks":  "lang en_US.UTF-8\n",
		"netbook.ks":  "part / --size 4096\n",
		"notes.txt":   "not a template",
		"default.ks~": "editor backup",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(root, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return Dir{Root: root}
}

func TestListOnlyKickstarts(t *testing.T) {
	d := newDir(t)
	names, err := d.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("names = %v, want the two .ks files", names)
	}
	for _, name := range names {
		if name != "handset.ks" && name != "netbook.ks" {
			t.Errorf("unexpected template %q", name)
		}
	}
}

func TestRead(t *testing.T) {
	d := newDir(t)
	content, err := d.Read("handset.ks")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if content != "lang en_US.UTF-8\n" {
		t.Errorf("content = %q", content)
	}

	if _, err := d.Read("absent.ks"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("missing template: err = %v, want ErrNotFound", err)
	}
}

func TestReadRejectsTraversal(t *testing.T) {
	d := newDir(t)
	for _, name := range []string{"../evil.ks", "/etc/passwd", "a/b.ks", ".."} {
		if _, err := d.Read(name); !errors.Is(err, model.ErrValidation) {
			t.Errorf("Read(%q): err = %v, want ErrValidation", name, err)
		}
	}
}
