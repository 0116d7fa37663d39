package handlers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"taskmanager/internal/task"
	logx "taskmanager/pkg/logx"
)

type converter struct {
	log logx.Logger
}

// transforms maps input->output format pairs to their content rewrite.
var transforms = map[[2]string]func([]byte) []byte{
	{"txt", "csv"}: func(b []byte) []byte { return []byte(strings.ToUpper(string(b))) },
	{"txt", "md"}:  func(b []byte) []byte { return b },
}

func formatName(s string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), ".")
}

// Run converts every *.input_format file in input_dir into output_dir.
func (c *converter) Run(ctx context.Context, p task.Params) (task.Detail, error) {
	in, err := p.Text("input_dir")
	if err != nil {
		return nil, err
	}
	out, err := p.Text("output_dir")
	if err != nil {
		return nil, err
	}
	fromRaw, err := p.Text("input_format")
	if err != nil {
		return nil, err
	}
	toRaw, err := p.Text("output_format")
	if err != nil {
		return nil, err
	}
	from, to := formatName(fromRaw), formatName(toRaw)
	fn, ok := transforms[[2]string{from, to}]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported conversion %s to %s", task.ErrValidation, from, to)
	}
	if err := requireDir(in); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(out, 0o755); err != nil {
		return nil, err
	}

	matches, err := filepath.Glob(filepath.Join(in, "*."+from))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	converted := []string{}
	for _, src := range matches {
		if err := ctx.Err(); err != nil {
			return task.Detail{"converted": converted}, err
		}
		data, err := os.ReadFile(src)
		if err != nil {
			return task.Detail{"converted": converted}, err
		}
		base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
		dst := filepath.Join(out, base+"."+to)
		if err := os.WriteFile(dst, fn(data), 0o644); err != nil {
			return task.Detail{"converted": converted}, err
		}
		converted = append(converted, dst)
		c.log.Debug("file converted", logx.String("src", src), logx.String("dst", dst))
	}
	return task.Detail{"converted": converted}, nil
}
