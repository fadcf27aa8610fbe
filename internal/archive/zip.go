package archive

import (
	"fmt"
	"os"
	"strings"

	"github.com/klauspost/compress/zip"
)

func extractZip(path, dest string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("opening zip: %w", err)
	}
	defer zr.Close()

	if err := os.MkdirAll(dest, dirPerm); err != nil {
		return err
	}

	for _, f := range zr.File {
		target, err := entryPath(dest, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
			if err := os.MkdirAll(target, dirMode(f.Mode())); err != nil {
				return err
			}
			continue
		}
		if err := extractZipFile(f, target); err != nil {
			return fmt.Errorf("writing %s: %w", f.Name, err)
		}
	}
	return nil
}

func extractZipFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	return writeFile(target, rc, fileMode(f.Mode()))
}
