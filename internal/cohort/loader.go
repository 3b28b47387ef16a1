package cohort

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/rzbill/sharepipe/internal/codec"
)

// ErrResourceNotFound is returned by a Loader when a file location does not
// exist.
var ErrResourceNotFound = errors.New("cohort: resource not found")

// Loader reads cohort files by location.
type Loader interface {
	Load(ctx context.Context, location string) ([]byte, error)
}

// FSLoader resolves locations against a filesystem. Locations are absolute
// slash paths such as /example1/customers/c/cohorts/k/file_1.json.
type FSLoader struct {
	fsys fs.FS
}

func NewFSLoader(fsys fs.FS) *FSLoader { return &FSLoader{fsys: fsys} }

func (l *FSLoader) Load(ctx context.Context, location string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := strings.TrimPrefix(path.Clean("/"+location), "/")
	if name == "" {
		return nil, fmt.Errorf("%w: %q", ErrResourceNotFound, location)
	}
	b, err := fs.ReadFile(l.fsys, name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, location)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", location, err)
	}
	return b, nil
}

// ParseEntries decodes a cohort file.
func ParseEntries(b []byte) ([]MemberEntry, error) {
	return codec.Decode[[]MemberEntry](memberEntriesSchema, b)
}
