package domains

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talosaether/hubs/moduledata"
	"github.com/talosaether/hubs/realtime"
)

func TestFilesBundle_Load(t *testing.T) {
	ctx := context.Background()
	src := newMemory()

	folder, err := src.Insert(ctx, "folders", "ws1", map[string]any{"name": "Riders", "path": "/riders"})
	require.NoError(t, err)
	file, err := src.Insert(ctx, "files", "ws1", map[string]any{"name": "rider.pdf", "folder_id": folder.ID, "size": 2048})
	require.NoError(t, err)
	_, err = src.Insert(ctx, "file_versions", "ws1", map[string]any{"file_id": file.ID, "version": 1})
	require.NoError(t, err)
	_, err = src.Insert(ctx, "file_shares", "ws1", map[string]any{"file_id": file.ID, "shared_with": "u2"})
	require.NoError(t, err)
	_, err = src.Insert(ctx, "files", "ws2", map[string]any{"name": "not mine.pdf"})
	require.NoError(t, err)

	bundle := NewFilesBundle(src, "ws1",
		moduledata.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		moduledata.WithCoalesceWindow(0),
	)
	defer bundle.Unmount()

	loadCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, bundle.Load(loadCtx))
	assert.False(t, bundle.Loading())

	files := bundle.Files.State().Data
	require.Len(t, files, 1)
	assert.Equal(t, "rider.pdf", files[0].Name)
	assert.Equal(t, int64(2048), files[0].Size)
	assert.Equal(t, folder.ID, files[0].FolderID)

	require.Len(t, bundle.Folders.State().Data, 1)
	assert.Equal(t, "/riders", bundle.Folders.State().Data[0].Path)
	require.Len(t, bundle.Versions.State().Data, 1)
	assert.Equal(t, 1, bundle.Versions.State().Data[0].Version)
	require.Len(t, bundle.Shares.State().Data, 1)
	assert.Equal(t, "u2", bundle.Shares.State().Data[0].SharedWith)

	// Live datasets watch their own tables; the others do not subscribe.
	require.Eventually(t, func() bool {
		return bundle.Files.ChannelState() == realtime.Open && bundle.Shares.ChannelState() == realtime.Open
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "files", bundle.Files.SubscribedTable())
	assert.Equal(t, "file_shares", bundle.Shares.SubscribedTable())
	assert.Equal(t, "", bundle.Versions.SubscribedTable())
	assert.Equal(t, "", bundle.Folders.SubscribedTable())

	_, err = src.Insert(ctx, "file_shares", "ws1", map[string]any{"file_id": file.ID, "shared_with": "u3"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(bundle.Shares.State().Data) == 2
	}, 2*time.Second, 5*time.Millisecond)

	_, err = src.Insert(ctx, "folders", "ws1", map[string]any{"name": "Contracts", "path": "/contracts"})
	require.NoError(t, err)
	require.NoError(t, bundle.Refresh(ctx))
	assert.Len(t, bundle.Folders.State().Data, 2)
}

func TestFilesBundle_Rescope(t *testing.T) {
	ctx := context.Background()
	src := newMemory()
	_, err := src.Insert(ctx, "files", "ws2", map[string]any{"name": "theirs.pdf"})
	require.NoError(t, err)

	bundle := NewFilesBundle(src, "ws1", moduledata.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	defer bundle.Unmount()

	loadCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, bundle.Load(loadCtx))
	assert.Empty(t, bundle.Files.State().Data)

	bundle.Rescope("ws2")
	state, err := bundle.Files.Settled(loadCtx)
	require.NoError(t, err)
	require.Len(t, state.Data, 1)
	assert.Equal(t, "theirs.pdf", state.Data[0].Name)
	assert.Equal(t, "ws2", bundle.Folders.Scope().WorkspaceID)

	bundle.Rescope("")
	assert.ErrorIs(t, bundle.Err(), moduledata.ErrNoWorkspace)
}
