package synchro

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/xinkaiwang/searchcoord/libs/xklib/kerror"
	"github.com/xinkaiwang/searchcoord/libs/xklib/klogging"
)

// DataTransfer pushes srcPath (file or directory) to recvDir on host:port.
type DataTransfer interface {
	SyncSend(ctx context.Context, host string, port uint32, srcPath string, recvDir string) error
}

// DistributeFileSys stages data on a filesystem every node can read.
type DistributeFileSys interface {
	IsEnabled() bool
	// CopyToDFS returns the staged path.
	CopyToDFS(ctx context.Context, srcPath string, relDir string) (string, error)
}

type DisabledDFS struct{}

func (DisabledDFS) IsEnabled() bool { return false }

func (DisabledDFS) CopyToDFS(ctx context.Context, srcPath string, relDir string) (string, error) {
	return "", kerror.Create("DfsDisabled", "distributed filesystem not enabled").WithoutStack()
}

// MountedDFS is a distributed filesystem mounted at MountDir on every node.
type MountedDFS struct {
	MountDir string
}

func (dfs *MountedDFS) IsEnabled() bool { return dfs.MountDir != "" }

func (dfs *MountedDFS) CopyToDFS(ctx context.Context, srcPath string, relDir string) (string, error) {
	dst := filepath.Join(dfs.MountDir, relDir)
	if err := copyTree(srcPath, dst); err != nil {
		return "", err
	}
	klogging.Info(ctx).With("src", srcPath).With("dst", dst).Log("CopyToDfs", "")
	return dst, nil
}

// SharedDirTransfer delivers by copying into RootDir/recvDir, for consumers that read a
// directory shared with the producer host.
type SharedDirTransfer struct {
	RootDir string
}

func (t *SharedDirTransfer) SyncSend(ctx context.Context, host string, port uint32, srcPath string, recvDir string) error {
	dst := filepath.Join(t.RootDir, recvDir)
	if err := copyTree(srcPath, dst); err != nil {
		return kerror.Wrap(err, "TransferError", "copy failed", false).With("host", host).With("port", port).With("src", srcPath).With("dst", dst)
	}
	klogging.Info(ctx).With("host", host).With("port", port).With("src", srcPath).With("dst", dst).Log("DataTransferred", "")
	return nil
}

// copyTree copies a file into dstDir, or the content of a directory into dstDir.
func copyTree(src string, dstDir string) error {
	info, err := os.Stat(src)
	if err != nil {
		return kerror.Wrap(err, "CopyError", "source not found", false).With("src", src)
	}
	if !info.IsDir() {
		return copyFile(src, filepath.Join(dstDir, filepath.Base(src)), info.Mode())
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dstDir, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, fi.Mode())
	})
}

func copyFile(src string, dst string, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
