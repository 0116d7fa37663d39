package handlers

import (
	"fmt"
	"os"
	"strings"
)

func getenv(k string) string { return os.Getenv(k) }

// requireDir fails unless path exists and is a directory.
func requireDir(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("directory is empty")
	}
	st, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	return nil
}

// normExt lower-cases an extension and makes sure it starts with a dot.
func normExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
