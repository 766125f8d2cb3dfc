package plugins

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aether-os/aether/pkg/kernel"
)

func bundleTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0o755, Size: int64(len(content)), Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func bundleServer(t *testing.T, body []byte, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestInstallFromArchive(t *testing.T) {
	m, store, _, _ := testPlugins(t)
	ctx := context.Background()

	body := bundleTarGz(t, map[string]string{
		"weather/manifest.json": `{"name":"weather","version":"1.0.0","description":"Weather lookups","tools":[{"name":"weather.lookup","description":"d","handler":"lookup.sh"}]}`,
		"weather/lookup.sh":     "#!/bin/sh\nprintf sunny\n",
	})
	srv := bundleServer(t, body, http.StatusOK)

	_, err := m.InstallFromArchive(ctx, 0, "u1", srv.URL+"/weather.tar.gz")
	require.NoError(t, err)

	recs, err := store.GetAllPlugins(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "weather", recs[0].ID)
	assert.Equal(t, srv.URL+"/weather.tar.gz", recs[0].InstallSource)

	loaded := m.LoadForUser(ctx, 1, "u1")
	require.Len(t, loaded, 1)
	assert.Equal(t, "weather.lookup", loaded[0].Name())
}

func TestInstallFromArchiveRootLayout(t *testing.T) {
	m, _, _, _ := testPlugins(t)

	body := bundleTarGz(t, map[string]string{
		"manifest.json": `{"name":"flat","version":"1.0.0","description":"x","tools":[{"name":"t","description":"d","handler":"run.sh"}]}`,
		"run.sh":        "printf ok",
	})
	srv := bundleServer(t, body, http.StatusOK)

	_, err := m.InstallFromArchive(context.Background(), 0, "u1", srv.URL)
	require.NoError(t, err)
}

func TestInstallFromArchiveRejectsTraversal(t *testing.T) {
	m, store, _, _ := testPlugins(t)

	body := bundleTarGz(t, map[string]string{
		"../evil.sh": "rm -rf /",
	})
	srv := bundleServer(t, body, http.StatusOK)

	_, err := m.InstallFromArchive(context.Background(), 0, "u1", srv.URL)
	require.Error(t, err)
	assert.Equal(t, kernel.CodeInvalidArgument, kernel.AsError(err).Code)

	recs, err := store.GetAllPlugins(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestInstallFromArchiveDownloadErrors(t *testing.T) {
	m, _, _, _ := testPlugins(t)
	ctx := context.Background()

	srv := bundleServer(t, nil, http.StatusNotFound)
	_, err := m.InstallFromArchive(ctx, 0, "u1", srv.URL)
	require.Error(t, err)
	assert.Equal(t, kernel.CodeNetworkError, kernel.AsError(err).Code)

	// Not a gzip stream.
	srv = bundleServer(t, []byte("plain text"), http.StatusOK)
	_, err = m.InstallFromArchive(ctx, 0, "u1", srv.URL)
	require.Error(t, err)
	assert.Equal(t, kernel.CodeInvalidArgument, kernel.AsError(err).Code)
}

func TestInstallFromArchiveMissingManifest(t *testing.T) {
	m, _, _, _ := testPlugins(t)

	body := bundleTarGz(t, map[string]string{"readme.txt": "nothing here"})
	srv := bundleServer(t, body, http.StatusOK)

	_, err := m.InstallFromArchive(context.Background(), 0, "u1", srv.URL)
	require.Error(t, err)
	assert.Equal(t, kernel.CodeInvalidArgument, kernel.AsError(err).Code)
}
