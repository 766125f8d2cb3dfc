package plugins

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aether-os/aether/pkg/kernel"
)

const (
	fetchTimeout = 60 * time.Second
	// maxBundleFile caps one extracted file to block decompression bombs.
	maxBundleFile = 16 << 20
)

// InstallFromArchive downloads a .tar.gz bundle, extracts it and installs the
// contained plugin. The archive must hold a manifest.json at its root or
// inside a single top-level directory.
func (m *Manager) InstallFromArchive(ctx context.Context, pid uint64, uid, url string) (string, error) {
	tmp, err := os.MkdirTemp("", "aether-plugin-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmp)

	if err := m.fetchArchive(ctx, url, tmp); err != nil {
		return "", err
	}

	bundleDir, err := locateManifest(tmp)
	if err != nil {
		return "", kernel.InvalidArgument("%v", err)
	}
	raw, err := os.ReadFile(filepath.Join(bundleDir, "manifest.json"))
	if err != nil {
		return "", err
	}
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return "", kernel.InvalidArgument("parse manifest: %v", err)
	}

	handlers := make(map[string]string, len(manifest.Tools))
	for _, t := range manifest.Tools {
		src, err := os.ReadFile(filepath.Join(bundleDir, filepath.FromSlash(t.Handler)))
		if err != nil {
			return "", kernel.InvalidArgument("bundle missing handler: %s", t.Handler)
		}
		handlers[t.Handler] = string(src)
	}

	m.logger.Info("remote plugin bundle fetched",
		zap.String("plugin", manifest.Name), zap.String("url", url))
	return m.Install(ctx, pid, uid, &manifest, handlers, url)
}

// fetchArchive downloads and extracts a tar.gz stream into destDir.
func (m *Manager) fetchArchive(ctx context.Context, url, destDir string) error {
	reqCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return kernel.InvalidArgument("bad bundle url: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return kernel.E(kernel.CodeNetworkError, "bundle download failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return kernel.E(kernel.CodeNetworkError, "bundle download failed: HTTP %d", resp.StatusCode)
	}
	return extractBundle(resp.Body, destDir)
}

// extractBundle unpacks a tar.gz stream, rejecting entries that would land
// outside destDir.
func extractBundle(r io.Reader, destDir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return kernel.InvalidArgument("bundle is not gzip: %v", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return kernel.InvalidArgument("bad bundle archive: %v", err)
		}
		name, err := safeBundlePath(header.Name, destDir)
		if err != nil {
			return err
		}
		target := filepath.Join(destDir, name)
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode)&0o777)
			if err != nil {
				return err
			}
			_, err = io.Copy(f, io.LimitReader(tr, maxBundleFile))
			f.Close()
			if err != nil {
				return err
			}
		default:
			// Symlinks and special files have no place in a plugin bundle.
			return kernel.InvalidArgument("unsupported bundle entry: %s", header.Name)
		}
	}
}

// safeBundlePath rejects archive entries that escape the extraction root.
func safeBundlePath(name, destDir string) (string, error) {
	clean := filepath.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", kernel.InvalidArgument("bundle entry escapes archive root: %s", name)
	}
	target := filepath.Join(destDir, clean)
	root := filepath.Clean(destDir)
	if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return "", kernel.InvalidArgument("bundle entry escapes archive root: %s", name)
	}
	return clean, nil
}

// locateManifest finds the directory holding manifest.json: the extraction
// root, or a single top-level directory (the usual tarball layout).
func locateManifest(root string) (string, error) {
	if _, err := os.Stat(filepath.Join(root, "manifest.json")); err == nil {
		return root, nil
	}
	dirents, err := os.ReadDir(root)
	if err != nil {
		return "", err
	}
	var dirs []string
	for _, d := range dirents {
		if d.IsDir() {
			dirs = append(dirs, d.Name())
		}
	}
	if len(dirs) == 1 {
		nested := filepath.Join(root, dirs[0])
		if _, err := os.Stat(filepath.Join(nested, "manifest.json")); err == nil {
			return nested, nil
		}
	}
	return "", fmt.Errorf("bundle has no manifest.json")
}
