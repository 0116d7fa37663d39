package handlers

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"taskmanager/internal/task"
	logx "taskmanager/pkg/logx"
)

type deleter struct {
	log logx.Logger
	now func() time.Time
}

// Run deletes files under "directory" (recursively) whose extension is in "formats"
// and which were last modified more than "age_days" days ago.
func (d *deleter) Run(ctx context.Context, p task.Params) (task.Detail, error) {
	dir, err := p.Text("directory")
	if err != nil {
		return nil, err
	}
	days, err := p.Int("age_days")
	if err != nil {
		return nil, err
	}
	formats, err := p.Strings("formats")
	if err != nil {
		return nil, err
	}
	if err := requireDir(dir); err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(formats))
	for _, f := range formats {
		if f = normExt(f); f != "" {
			want[f] = true
		}
	}
	cutoff := d.now().Add(-time.Duration(days) * 24 * time.Hour)

	deleted := []string{}
	err = filepath.WalkDir(dir, func(path string, e fs.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.IsDir() || !want[strings.ToLower(filepath.Ext(e.Name()))] {
			return nil
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		if !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		deleted = append(deleted, path)
		d.log.Debug("file deleted", logx.String("path", path))
		return nil
	})
	detail := task.Detail{"directory": dir, "deleted_files": deleted}
	return detail, err
}
