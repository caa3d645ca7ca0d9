package templates

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/example/imager/core-go/internal/model"
)

// Dir is the trusted kickstart template directory. Names are looked up
// relative to Root and never allowed to escape it.
type Dir struct {
	Root string
}

// List returns the available template names (files ending in .ks), sorted by
// the filesystem's directory order.
func (d Dir) List() ([]string, error) {
	entries, err := os.ReadDir(d.Root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".ks") {
			continue
		}
		out = append(out, e.Name())
	}
	return out, nil
}

// Read returns the contents of a named template.
func (d Dir) Read(name string) (string, error) {
	clean := filepath.Clean(name)
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) ||
		strings.ContainsRune(clean, filepath.Separator) {
		return "", fmt.Errorf("%w: invalid template name %q", model.ErrValidation, name)
	}
	data, err := os.ReadFile(filepath.Join(d.Root, clean))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("template %q: %w", name, model.ErrNotFound)
		}
		return "", err
	}
	return string(data), nil
}
