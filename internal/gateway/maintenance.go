// ABOUTME: Backup and companion operations exposed to the desktop shell
// ABOUTME: Long backup operations run as futures; companion calls never touch the database lock

package gateway

import (
	"context"

	"github.com/carelink/carelink-core/internal/backup"
	"github.com/carelink/carelink-core/internal/companion"
)

type BackupCreateArgs struct {
	Type backup.Type `json:"type,omitempty"`
}

// BackupCreate snapshots the database. The type defaults to manual.
func (g *Gateway) BackupCreate(ctx context.Context, args BackupCreateArgs) (*backup.Record, error) {
	typ := args.Type
	if typ == "" {
		typ = backup.TypeManual
	}
	return g.backups.CreateAsync(ctx, typ).Wait(ctx)
}

// BackupList returns every backup in the folder, newest first.
func (g *Gateway) BackupList(ctx context.Context, _ NoArgs) ([]backup.Record, error) {
	records, err := g.backups.List(ctx)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []backup.Record{}
	}
	return records, nil
}

// BackupStatus summarises the backup folder.
func (g *Gateway) BackupStatus(ctx context.Context, _ NoArgs) (*backup.Status, error) {
	return g.backups.Status(ctx)
}

type BackupFileArgs struct {
	FileName string `json:"fileName"`
}

// BackupValidate checks an archive without touching the live database.
func (g *Gateway) BackupValidate(ctx context.Context, args BackupFileArgs) (*backup.Manifest, error) {
	return g.backups.Validate(ctx, args.FileName)
}

type BackupRestoreResult struct {
	*backup.RestoreResult
	SessionEnded bool `json:"sessionEnded"`
}

// BackupRestore replaces the live database with a backup. The restored file
// may not know the logged-in user, so the active session is ended and the
// shell must log in again.
func (g *Gateway) BackupRestore(ctx context.Context, args BackupFileArgs) (*BackupRestoreResult, error) {
	res, err := g.backups.RestoreAsync(ctx, args.FileName).Wait(ctx)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	ended := g.active != nil
	g.mu.Unlock()
	g.endSession()

	return &BackupRestoreResult{RestoreResult: res, SessionEnded: ended}, nil
}

// BackupDelete removes a backup file.
func (g *Gateway) BackupDelete(ctx context.Context, args BackupFileArgs) (*struct{}, error) {
	if err := g.backups.Delete(ctx, args.FileName); err != nil {
		return nil, err
	}
	return &struct{}{}, nil
}

type FolderResult struct {
	Path string `json:"path"`
}

func (g *Gateway) BackupGetFolder(_ context.Context, _ NoArgs) (*FolderResult, error) {
	return &FolderResult{Path: g.backups.Folder()}, nil
}

// CompanionStatus probes the companion if it should be serving.
func (g *Gateway) CompanionStatus(ctx context.Context, _ NoArgs) (*companion.Status, error) {
	st := g.companion.Status(ctx)
	return &st, nil
}

type RestartResult struct {
	Message string `json:"message"`
}

// CompanionRestart stops and relaunches the companion.
func (g *Gateway) CompanionRestart(ctx context.Context, _ NoArgs) (*RestartResult, error) {
	if err := g.companion.Restart(ctx); err != nil {
		return nil, err
	}
	return &RestartResult{Message: "companion restarted"}, nil
}

type EndpointResult struct {
	Endpoint string `json:"endpoint"`
}

// CompanionEndpoint returns the companion address, or CompanionUnavailable
// while it is not serving.
func (g *Gateway) CompanionEndpoint(_ context.Context, _ NoArgs) (*EndpointResult, error) {
	ep, err := g.companion.Endpoint()
	if err != nil {
		return nil, err
	}
	return &EndpointResult{Endpoint: ep}, nil
}
