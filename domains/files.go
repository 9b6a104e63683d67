package domains

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/talosaether/hubs/moduledata"
	"github.com/talosaether/hubs/source"
)

// FilesBundle is the files module's four datasets. Each is its own hook, so
// each subscription watches its own table. Files and shares are live;
// versions and folders refresh only on demand.
type FilesBundle struct {
	Files    *moduledata.Hook[FileItem]
	Versions *moduledata.Hook[FileVersion]
	Shares   *moduledata.Hook[FileShare]
	Folders  *moduledata.Hook[Folder]
}

// NewFilesBundle builds the unmounted bundle for workspaceID.
func NewFilesBundle(src source.Source, workspaceID string, opts ...moduledata.Option) *FilesBundle {
	static := append(append([]moduledata.Option{}, opts...), moduledata.WithLive(false))
	return &FilesBundle{
		Files:    moduledata.New[FileItem](src, Catalog[Files].Binding(""), Scope(Files, workspaceID), opts...),
		Versions: moduledata.New[FileVersion](src, Catalog[FileVersions].Binding(""), Scope(FileVersions, workspaceID), static...),
		Shares:   moduledata.New[FileShare](src, Catalog[FileShares].Binding(""), Scope(FileShares, workspaceID), opts...),
		Folders:  moduledata.New[Folder](src, Catalog[Folders].Binding(""), Scope(Folders, workspaceID), static...),
	}
}

// hookControl is the part of Hook the bundle drives without knowing T.
type hookControl interface {
	Mount(ctx context.Context)
	Rescope(scope moduledata.Scope)
	Unmount()
	Refresh(ctx context.Context) error
	Scope() moduledata.Scope
}

func (bundle *FilesBundle) hooks() []hookControl {
	return []hookControl{bundle.Files, bundle.Versions, bundle.Shares, bundle.Folders}
}

// Load mounts every dataset and waits until all have settled. The error
// joins every dataset's fetch error.
func (bundle *FilesBundle) Load(ctx context.Context) error {
	for _, hook := range bundle.hooks() {
		hook.Mount(ctx)
	}
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { _, err := bundle.Files.Settled(gctx); return err })
	group.Go(func() error { _, err := bundle.Versions.Settled(gctx); return err })
	group.Go(func() error { _, err := bundle.Shares.Settled(gctx); return err })
	group.Go(func() error { _, err := bundle.Folders.Settled(gctx); return err })
	if err := group.Wait(); err != nil {
		return err
	}
	return bundle.Err()
}

// Refresh refetches every dataset in parallel.
func (bundle *FilesBundle) Refresh(ctx context.Context) error {
	hooks := bundle.hooks()
	errs := make([]error, len(hooks))
	var group errgroup.Group
	for i, hook := range hooks {
		group.Go(func() error {
			errs[i] = hook.Refresh(ctx)
			return nil
		})
	}
	_ = group.Wait()
	return errors.Join(errs...)
}

// Rescope moves every dataset to workspaceID.
func (bundle *FilesBundle) Rescope(workspaceID string) {
	for _, hook := range bundle.hooks() {
		scope := hook.Scope()
		scope.WorkspaceID = workspaceID
		hook.Rescope(scope)
	}
}

// Unmount tears every dataset down.
func (bundle *FilesBundle) Unmount() {
	for _, hook := range bundle.hooks() {
		hook.Unmount()
	}
}

// Loading reports whether any dataset is loading.
func (bundle *FilesBundle) Loading() bool {
	return bundle.Files.State().Loading ||
		bundle.Versions.State().Loading ||
		bundle.Shares.State().Loading ||
		bundle.Folders.State().Loading
}

// Err joins the current error of every dataset.
func (bundle *FilesBundle) Err() error {
	return errors.Join(
		bundle.Files.State().Err,
		bundle.Versions.State().Err,
		bundle.Shares.State().Err,
		bundle.Folders.State().Err,
	)
}
