package retention

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/kebairia/rbackup/internal/catalog"
)

// ArchiveExt is appended to the job directory name of compressed archives.
const ArchiveExt = ".tar.zst"

const dirMode = 0o755

// Archive relocates jobs older than days into destination/<host>/<name> and
// marks them archived with their new path. The newest active full backup of
// each host is kept in place so later incremental jobs still have a baseline.
// It returns the ids it archived.
func (e *Engine) Archive(ctx context.Context, store Catalog, days int, destination string) ([]string, error) {
	if days < 0 {
		return nil, fmt.Errorf("%w: archive days=%d", ErrInvalidRule, days)
	}
	info, err := os.Stat(destination)
	if err != nil {
		return nil, fmt.Errorf("archive destination: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("archive destination %s is not a directory", destination)
	}

	now := e.clock.Now()
	var (
		archived []string
		errs     []error
	)
	for _, host := range store.Hosts() {
		active := activeJobs(store, host)
		keep := lastFull(active)
		for _, r := range active {
			if err := ctx.Err(); err != nil {
				return archived, err
			}
			if r.ID == keep || !r.Complete() || !expired(r, now, days) {
				continue
			}
			if err := e.archive(ctx, store, r, destination); err != nil {
				errs = append(errs, err)
				continue
			}
			archived = append(archived, r.ID)
		}
	}
	return archived, errors.Join(errs...)
}

func (e *Engine) archive(ctx context.Context, store Catalog, r catalog.Record, destination string) error {
	target := filepath.Join(destination, r.Host, filepath.Base(r.Path))
	if e.compress {
		target += ArchiveExt
	}
	log := e.log.With("host", r.Host, "id", r.ID, "path", r.Path, "destination", target)
	if e.dryRun {
		log.Info("would archive backup")
		return nil
	}

	if _, err := os.Stat(r.Path); err != nil {
		return fmt.Errorf("archive %s: %w", r.ID, err)
	}
	if err := os.MkdirAll(filepath.Dir(target), dirMode); err != nil {
		return fmt.Errorf("archive %s: %w", r.ID, err)
	}

	var err error
	if e.compress {
		err = writeTarZst(ctx, r.Path, target)
	} else {
		err = copyTree(ctx, r.Path, target)
	}
	if err != nil {
		log.Error("failed to copy backup to archive", "error", err.Error())
		return fmt.Errorf("archive %s: %w", r.ID, err)
	}
	if err := store.Update(r.ID, catalog.MarkArchived(target)); err != nil {
		return fmt.Errorf("archive %s: %w", r.ID, err)
	}
	if err := os.RemoveAll(r.Path); err != nil {
		log.Warn("archived backup but failed to delete the source", "error", err.Error())
	}
	log.Info("backup archived")
	return nil
}

// lastFull returns the id of the newest full job in active, which is sorted
// oldest first.
func lastFull(active []catalog.Record) string {
	for i := len(active) - 1; i >= 0; i-- {
		if active[i].Mode == catalog.ModeFull {
			return active[i].ID
		}
	}
	return ""
}

// walk calls fn for every entry under root with its slash-separated
// relative path, stopping when ctx is done.
func walk(ctx context.Context, root string, fn func(path, rel string, d fs.DirEntry) error) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		return fn(path, filepath.ToSlash(rel), d)
	})
}

// copyTree copies src into dst, which must not exist yet. Symlinks are
// recreated, not followed.
func copyTree(ctx context.Context, src, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("%s already exists", dst)
	}
	return walk(ctx, src, func(path, rel string, d fs.DirEntry) error {
		target := filepath.Join(dst, filepath.FromSlash(rel))
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(path, target, info)
		default:
			return nil
		}
	})
}

func copyFile(src, dst string, info fs.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

// writeTarZst streams src as a zstd-compressed tar into dst. The archive is
// written to a temporary file first and renamed into place when complete.
func writeTarZst(ctx context.Context, src, dst string) (retErr error) {
	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp archive: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if retErr != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	buf := bufio.NewWriter(tmp)
	zw, err := zstd.NewWriter(buf)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	base := filepath.Base(src)
	err = walk(ctx, src, func(path, rel string, d fs.DirEntry) error {
		info, err := d.Info()
		if err != nil {
			return err
		}
		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("tar header for %s: %w", path, err)
		}
		header.Name = base + "/" + rel
		if rel == "." {
			header.Name = base + "/"
		}
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar header for %s: %w", rel, err)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		zw.Close()
		return err
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd writer: %w", err)
	}
	if err := buf.Flush(); err != nil {
		return fmt.Errorf("flush archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	return os.Rename(tmpName, dst)
}
