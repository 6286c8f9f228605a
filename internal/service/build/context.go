package build

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// packContext tars the build directory (Dockerfile, config, ssh keys) plus
// each app clone under apps/{app}/ into a gzip stream for the remote
// builder.
func packContext(buildDir string, appDirs map[string]string, w io.Writer) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	if err := addTree(tw, buildDir, ""); err != nil {
		return fmt.Errorf("pack build context: %w", err)
	}
	for app, dir := range appDirs {
		if err := addTree(tw, dir, "apps/"+app); err != nil {
			return fmt.Errorf("pack app %s: %w", app, err)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("finish tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("finish gzip: %w", err)
	}
	return nil
}

func addTree(tw *tar.Writer, root, prefix string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		// Git metadata is not part of the image.
		if info.IsDir() && info.Name() == ".git" {
			return filepath.SkipDir
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		name := strings.ReplaceAll(rel, string(os.PathSeparator), "/")
		if prefix != "" {
			name = prefix + "/" + name
		}
		header.Name = name
		if info.IsDir() {
			header.Name += "/"
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() || !info.Mode().IsRegular() {
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
}
