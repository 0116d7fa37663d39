package handlers

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"taskmanager/internal/task"
	logx "taskmanager/pkg/logx"
)

// categories maps folder names to the extensions moved into them.
var categories = []struct {
	folder string
	exts   []string
}{
	{"Images", []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tiff", ".svg"}},
	{"Videos", []string{".mp4", ".mkv", ".flv", ".mov", ".avi", ".wmv"}},
	{"Documents", []string{".pdf", ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx", ".txt"}},
	{"Audio", []string{".mp3", ".wav", ".aac", ".flac", ".ogg"}},
	{"Archives", []string{".zip", ".rar", ".tar", ".gz", ".7z"}},
	{"Executables", []string{".exe", ".msi", ".bat", ".sh"}},
	{"Code", []string{".py", ".js", ".html", ".css", ".java", ".cpp", ".c", ".php"}},
	{"Data", []string{".csv", ".json", ".xml", ".sql", ".db"}},
}

const otherCategory = "Others"

func categoryFor(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	for _, c := range categories {
		for _, e := range c.exts {
			if e == ext {
				return c.folder
			}
		}
	}
	return otherCategory
}

type organizer struct {
	log logx.Logger
}

// Run moves the top-level files of "directory" into per-category folders.
func (o *organizer) Run(ctx context.Context, p task.Params) (task.Detail, error) {
	dir, err := p.Text("directory")
	if err != nil {
		return nil, err
	}
	if err := requireDir(dir); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	moved := map[string]any{}
	skipped := []string{}
	detail := func() task.Detail {
		return task.Detail{"directory": dir, "moved": moved, "skipped": skipped}
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return detail(), err
		}
		if !e.Type().IsRegular() {
			continue
		}
		cat := categoryFor(e.Name())
		dst := filepath.Join(dir, cat)
		if err := os.MkdirAll(dst, 0o755); err != nil {
			return detail(), err
		}
		target := filepath.Join(dst, e.Name())
		if _, err := os.Lstat(target); err == nil {
			skipped = append(skipped, e.Name())
			o.log.Warn("file not moved: destination exists", logx.String("file", e.Name()), logx.String("category", cat))
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			return detail(), err
		}
		if err := os.Rename(filepath.Join(dir, e.Name()), target); err != nil {
			return detail(), err
		}
		moved[e.Name()] = cat
		o.log.Debug("file moved", logx.String("file", e.Name()), logx.String("category", cat))
	}
	return detail(), nil
}
