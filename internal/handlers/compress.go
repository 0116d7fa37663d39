package handlers

import (
	"archive/tar"
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"taskmanager/internal/task"
)

type compressor struct{}

// Run archives "directory" into output_path. zip entries are relative to the
// directory; tar entries are rooted at the directory's base name.
func (c *compressor) Run(ctx context.Context, p task.Params) (task.Detail, error) {
	dir, err := p.Text("directory")
	if err != nil {
		return nil, err
	}
	out, err := p.Text("output_path")
	if err != nil {
		return nil, err
	}
	format, err := p.Text("compression_format")
	if err != nil {
		return nil, err
	}
	format = formatName(format)
	if format != "zip" && format != "tar" {
		return nil, fmt.Errorf("%w: unsupported compression format %q", task.ErrValidation, format)
	}
	if err := requireDir(dir); err != nil {
		return nil, err
	}
	absOut, _ := filepath.Abs(out)

	f, err := os.Create(out)
	if err != nil {
		return nil, err
	}
	var n int
	switch format {
	case "zip":
		n, err = writeZip(ctx, f, dir, absOut)
	default:
		n, err = writeTar(ctx, f, dir, absOut)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(out)
		return nil, err
	}
	return task.Detail{"archive": out, "format": format, "files": n}, nil
}

// walkFiles calls fn for each regular file under dir, skipping the archive itself.
func walkFiles(ctx context.Context, dir, skip string, fn func(path, rel string, info fs.FileInfo) error) error {
	return filepath.WalkDir(dir, func(path string, e fs.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.Type().IsRegular() {
			return nil
		}
		if abs, _ := filepath.Abs(path); abs == skip {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		return fn(path, filepath.ToSlash(rel), info)
	})
}

func copyFile(w io.Writer, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = io.Copy(w, src)
	return err
}

func writeZip(ctx context.Context, w io.Writer, dir, skip string) (int, error) {
	zw := zip.NewWriter(w)
	n := 0
	err := walkFiles(ctx, dir, skip, func(path, rel string, info fs.FileInfo) error {
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = rel
		hdr.Method = zip.Deflate
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		n++
		return copyFile(fw, path)
	})
	if err != nil {
		_ = zw.Close()
		return n, err
	}
	return n, zw.Close()
}

func writeTar(ctx context.Context, w io.Writer, dir, skip string) (int, error) {
	tw := tar.NewWriter(w)
	root := filepath.Base(filepath.Clean(dir))
	n := 0
	err := walkFiles(ctx, dir, skip, func(path, rel string, info fs.FileInfo) error {
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = strings.TrimPrefix(root+"/"+rel, "./")
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		n++
		return copyFile(tw, path)
	})
	if err != nil {
		_ = tw.Close()
		return n, err
	}
	return n, tw.Close()
}
