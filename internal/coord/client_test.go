package coord

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockgrid/blockgrid/pkg/bytesize"
)

func TestClient_EndToEnd(t *testing.T) {
	env := newTestEnv(t, bytesize.MB, map[string]int64{"node-a": 5 * bytesize.MB, "node-b": 5 * bytesize.MB})
	env.waitOnline(t)

	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	client := NewClient(ts.URL)
	ctx := context.Background()

	require.NoError(t, client.Health(ctx))

	status, err := client.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status["node-a"])
	assert.True(t, status["node-b"])

	data := bytes.Repeat([]byte("client round trip "), 80000)
	uploaded, err := client.Upload(ctx, "trip.bin", bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "trip.bin", uploaded.Filename)
	assert.Equal(t, 2, uploaded.TotalBlocks)

	files, err := client.Files(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	fileID := files[0].FileID

	attrs, err := client.Attributes(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, "trip.bin", attrs.OriginalFilename)
	assert.Equal(t, int64(len(data)), attrs.Size)
	require.Len(t, attrs.BlocksDetail, 2)

	rc, filename, err := client.Download(ctx, fileID)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "trip.bin", filename)
	assert.Equal(t, data, got)

	stats, err := client.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalFiles)
	assert.Equal(t, 2, stats.TotalBlocks)

	blocks, err := client.BlockTable(ctx)
	require.NoError(t, err)
	assert.Len(t, blocks, 2)

	ops, err := client.Operations(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, ops)
	assert.Equal(t, "upload", ops[0].Op)

	require.NoError(t, client.Delete(ctx, fileID))
	files, err = client.Files(ctx)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestClient_ViewAndErrors(t *testing.T) {
	env := newTestEnv(t, bytesize.MB, map[string]int64{"node-a": 5 * bytesize.MB, "node-b": 5 * bytesize.MB})
	env.waitOnline(t)

	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	client := NewClient(ts.URL)
	ctx := context.Background()

	_, err := client.Upload(ctx, "hello.txt", bytes.NewReader([]byte("hi there")))
	require.NoError(t, err)

	files, err := client.Files(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)

	view, err := client.View(ctx, files[0].FileID)
	require.NoError(t, err)
	assert.Equal(t, "text", view.FileType)
	assert.Equal(t, "hi there", view.Content)

	// Errors carry the server message and status code.
	_, _, err = client.Download(ctx, "no-such-file")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")

	err = client.Delete(ctx, "no-such-file")
	require.Error(t, err)
}
