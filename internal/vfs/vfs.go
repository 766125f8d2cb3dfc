// Package vfs exposes a per-user rooted view of the host filesystem. Every
// path is resolved against the user's subtree and rejected if it escapes;
// mutations upsert metadata rows and emit fs.changed.
package vfs

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/events/bus"
	"github.com/aether-os/aether/internal/state"
	"github.com/aether-os/aether/pkg/kernel"
)

// SharedPrefix is the reserved subtree visible to every user.
const SharedPrefix = "/shared"

// Entry is one directory listing row.
type Entry struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Type       string    `json:"type"` // file or directory
	Size       int64     `json:"size"`
	Hidden     bool      `json:"hidden"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// FS mediates all user file access under a single host root.
type FS struct {
	root     string
	store    *state.Store
	eventBus bus.EventBus
	logger   *logger.Logger
}

// New creates the filesystem rooted at root, creating it if needed.
func New(root string, store *state.Store, eventBus bus.EventBus, log *logger.Logger) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(abs, "shared"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create fs root: %w", err)
	}
	return &FS{
		root:     abs,
		store:    store,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "vfs")),
	}, nil
}

// Root returns the host directory backing the filesystem.
func (f *FS) Root() string {
	return f.root
}

// UserRoot returns (creating if needed) the host directory for a user.
func (f *FS) UserRoot(uid string) (string, error) {
	dir := filepath.Join(f.root, "users", uid)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// resolve maps a user-visible path to a host path, rejecting escapes.
// Paths under /shared resolve into the shared subtree regardless of uid.
func (f *FS) resolve(uid, userPath string) (host string, clean string, err error) {
	clean = path.Clean("/" + strings.TrimPrefix(userPath, "/"))

	var base string
	if clean == SharedPrefix || strings.HasPrefix(clean, SharedPrefix+"/") {
		base = filepath.Join(f.root, "shared")
		host = filepath.Join(base, filepath.FromSlash(strings.TrimPrefix(clean, SharedPrefix)))
	} else {
		base, err = f.UserRoot(uid)
		if err != nil {
			return "", "", err
		}
		host = filepath.Join(base, filepath.FromSlash(clean))
	}

	rel, err := filepath.Rel(base, host)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", kernel.Forbidden("path escapes filesystem root: " + userPath)
	}
	return host, clean, nil
}

// Read returns a file's contents.
func (f *FS) Read(ctx context.Context, uid, userPath string) ([]byte, error) {
	host, _, err := f.resolve(uid, userPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(host)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kernel.NotFound("no such file: %s", userPath)
		}
		return nil, err
	}
	return data, nil
}

// Write stores data at the path, creating parent directories, and records
// the change.
func (f *FS) Write(ctx context.Context, uid, userPath string, data []byte) error {
	host, clean, err := f.resolve(uid, userPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(host, data, 0o644); err != nil {
		return err
	}
	f.recordChange(ctx, uid, clean, "file", int64(len(data)))
	return nil
}

// Mkdir creates a directory (and parents) and records the change.
func (f *FS) Mkdir(ctx context.Context, uid, userPath string) error {
	host, clean, err := f.resolve(uid, userPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(host, 0o755); err != nil {
		return err
	}
	f.recordChange(ctx, uid, clean, "directory", 0)
	return nil
}

// List returns the entries of a directory, sorted by name.
func (f *FS) List(ctx context.Context, uid, userPath string) ([]*Entry, error) {
	host, clean, err := f.resolve(uid, userPath)
	if err != nil {
		return nil, err
	}
	dirents, err := os.ReadDir(host)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kernel.NotFound("no such directory: %s", userPath)
		}
		return nil, err
	}
	entries := make([]*Entry, 0, len(dirents))
	for _, d := range dirents {
		info, err := d.Info()
		if err != nil {
			continue
		}
		typ := "file"
		if d.IsDir() {
			typ = "directory"
		}
		entries = append(entries, &Entry{
			Name:       d.Name(),
			Path:       path.Join(clean, d.Name()),
			Type:       typ,
			Size:       info.Size(),
			Hidden:     strings.HasPrefix(d.Name(), "."),
			ModifiedAt: info.ModTime().UTC(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Stat returns one entry's metadata.
func (f *FS) Stat(ctx context.Context, uid, userPath string) (*Entry, error) {
	host, clean, err := f.resolve(uid, userPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(host)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kernel.NotFound("no such path: %s", userPath)
		}
		return nil, err
	}
	typ := "file"
	if info.IsDir() {
		typ = "directory"
	}
	return &Entry{
		Name:       path.Base(clean),
		Path:       clean,
		Type:       typ,
		Size:       info.Size(),
		Hidden:     strings.HasPrefix(path.Base(clean), "."),
		ModifiedAt: info.ModTime().UTC(),
	}, nil
}

// Remove deletes a path. Directories require recursive.
func (f *FS) Remove(ctx context.Context, uid, userPath string, recursive bool) error {
	host, clean, err := f.resolve(uid, userPath)
	if err != nil {
		return err
	}
	if clean == "/" {
		return kernel.Forbidden("cannot remove filesystem root")
	}
	info, err := os.Stat(host)
	if err != nil {
		if os.IsNotExist(err) {
			return kernel.NotFound("no such path: %s", userPath)
		}
		return err
	}
	if info.IsDir() && !recursive {
		return kernel.InvalidArgument("directory removal requires recursive")
	}
	if recursive {
		err = os.RemoveAll(host)
	} else {
		err = os.Remove(host)
	}
	if err != nil {
		return err
	}
	if dbErr := f.store.DeleteFileMeta(ctx, f.metaKey(uid, clean), recursive); dbErr != nil {
		f.logger.WithError(dbErr).Warn("failed to delete file metadata", zap.String("path", clean))
	}
	bus.Emit(ctx, f.eventBus, "vfs", kernel.EvtFSChanged, map[string]any{
		"path":    clean,
		"uid":     uid,
		"deleted": true,
	})
	return nil
}

// Upload stores an uploaded file at destPath. Same semantics as Write.
func (f *FS) Upload(ctx context.Context, uid, destPath string, data []byte) error {
	return f.Write(ctx, uid, destPath, data)
}

// HostPath resolves a user path for raw serving. Read-only callers only.
func (f *FS) HostPath(uid, userPath string) (string, error) {
	host, _, err := f.resolve(uid, userPath)
	return host, err
}

// metaKey namespaces metadata rows per user; shared paths keep one row.
func (f *FS) metaKey(uid, clean string) string {
	if strings.HasPrefix(clean, SharedPrefix) {
		return clean
	}
	return path.Join("/users", uid, clean)
}

func (f *FS) recordChange(ctx context.Context, uid, clean, typ string, size int64) {
	now := time.Now().UTC()
	meta := &state.FileMeta{
		Path:       f.metaKey(uid, clean),
		OwnerUID:   uid,
		Type:       typ,
		Size:       size,
		Hidden:     strings.HasPrefix(path.Base(clean), "."),
		CreatedAt:  now,
		ModifiedAt: now,
	}
	if err := f.store.UpsertFileMeta(ctx, meta); err != nil {
		f.logger.WithError(err).Warn("failed to upsert file metadata", zap.String("path", clean))
	}
	bus.Emit(ctx, f.eventBus, "vfs", kernel.EvtFSChanged, map[string]any{
		"path": clean,
		"uid":  uid,
		"type": typ,
	})
}
