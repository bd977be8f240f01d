package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/rs/zerolog/log"
)

// KeyFileLocation is the directory the filesystem driver writes into.
const KeyFileLocation = "FILE_LOCATION"

var filesystemDefaults = map[string]string{
	KeyFileLocation: "files",
}

const partialPrefix = ".partial-"

// FilesystemDriver is a mediated driver storing one file per identifier.
type FilesystemDriver struct {
	fs billy.Filesystem
}

// NewFilesystemDriver stores objects at the root of fsys.
func NewFilesystemDriver(fsys billy.Filesystem) *FilesystemDriver {
	return &FilesystemDriver{fs: fsys}
}

func openFilesystem(_ context.Context, p Params) (Driver, error) {
	dir := p.Get(KeyFileLocation)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create file location %q: %w", dir, err)
	}
	log.Info().Str("dir", dir).Msg("storage: using local filesystem")
	return NewFilesystemDriver(osfs.New(dir, osfs.WithBoundOS())), nil
}

// Store copies r into a partial file and renames it into place once r is
// exhausted, so a reader never observes a half-written object.
func (d *FilesystemDriver) Store(ctx context.Context, id string, r io.Reader) (*UploadTarget, error) {
	if r == nil {
		return nil, fmt.Errorf("store %q without a body: %w", id, ErrUnsupported)
	}
	if err := validKey(id); err != nil {
		return nil, err
	}

	partial := partialPrefix + id
	f, err := d.fs.Create(partial)
	if err != nil {
		return nil, fmt.Errorf("create %q: %w", partial, err)
	}

	buf := make([]byte, uploadChunkSize)
	_, copyErr := io.CopyBuffer(f, contextReader{ctx: ctx, r: r}, buf)
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = d.fs.Remove(partial)
		return nil, fmt.Errorf("write %q: %w", id, err)
	}

	if err := d.fs.Rename(partial, id); err != nil {
		_ = d.fs.Remove(partial)
		return nil, fmt.Errorf("commit %q: %w", id, err)
	}
	return nil, nil
}

func (d *FilesystemDriver) Get(_ context.Context, id string) (*Object, error) {
	if err := validKey(id); err != nil {
		return nil, err
	}
	info, err := d.fs.Stat(id)
	if err != nil {
		return nil, d.mapErr("stat", id, err)
	}
	f, err := d.fs.Open(id)
	if err != nil {
		return nil, d.mapErr("open", id, err)
	}
	return &Object{Body: f, Size: info.Size()}, nil
}

func (d *FilesystemDriver) Delete(_ context.Context, id string) error {
	if err := validKey(id); err != nil {
		return err
	}
	if err := d.fs.Remove(id); err != nil {
		return d.mapErr("remove", id, err)
	}
	return nil
}

func (d *FilesystemDriver) RequiredConfig() map[string]string {
	return maps.Clone(filesystemDefaults)
}

func (d *FilesystemDriver) Extern() bool { return false }

func (d *FilesystemDriver) mapErr(op, id string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s %q: %w", op, id, ErrNotFound)
	}
	return fmt.Errorf("%s %q: %w", op, id, err)
}

// validKey rejects keys that could escape the storage root.
func validKey(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, partialPrefix) {
		return fmt.Errorf("invalid object key %q", id)
	}
	return nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
