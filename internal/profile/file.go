package profile

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// File reads the profile from a YAML document:
//
//	name: Sam
//	level: intermediate
//	frequency: 4
//	current_week: 2
type File struct {
	path   string
	fs     afero.Fs
	logger *slog.Logger
}

var _ Provider = (*File)(nil)

// FileOption configures a File provider.
type FileOption func(*File)

// WithFs reads through fs instead of the OS filesystem. Watch still needs
// a real path.
func WithFs(fs afero.Fs) FileOption {
	return func(f *File) {
		f.fs = fs
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) FileOption {
	return func(f *File) {
		f.logger = l
	}
}

// NewFile returns a provider for the YAML file at path.
func NewFile(path string, opts ...FileOption) *File {
	f := &File{path: path, fs: afero.NewOsFs(), logger: slog.Default()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Profile implements Provider.
func (f *File) Profile(context.Context) (Profile, error) {
	data, err := afero.ReadFile(f.fs, f.path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("parse profile %s: %w", f.path, err)
	}
	return p.Normalize(), nil
}

// Save writes p to the file.
func (f *File) Save(p Profile) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	return afero.WriteFile(f.fs, f.path, data, 0o644)
}

// Watch calls fn with the new profile each time the file changes to a
// readable profile that differs from the last one. It watches the parent
// directory so editors that replace the file are seen. Watch blocks until
// ctx is cancelled.
func (f *File) Watch(ctx context.Context, fn func(Profile)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(f.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	last, _ := f.Profile(ctx)
	name := filepath.Clean(f.path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			p, err := f.Profile(ctx)
			if err != nil {
				f.logger.Warn("ignoring unreadable profile", "path", f.path, "error", err)
				continue
			}
			if p == last {
				continue
			}
			last = p
			f.logger.Info("profile changed", "level", p.Level, "frequency", p.Frequency)
			fn(p)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("profile watcher error", "error", err)
		}
	}
}
