package utils

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
)

// IsTarGz sniffs the first bytes of file for a gzip header.
func IsTarGz(file string) bool {
	fileHandle, err := os.Open(file)
	if err != nil {
		return false
	}
	defer fileHandle.Close()

	buffer := make([]byte, 512) // Read the first 512 bytes for MIME detection
	n, err := fileHandle.Read(buffer)
	if err != nil {
		return false
	}

	mimeType := http.DetectContentType(buffer[:n])
	return mimeType == "application/x-gzip" || mimeType == "application/gzip"
}

// CompressTarGz packs the regular files under srcFolder into tarGzFile, with
// paths relative to srcFolder.
func CompressTarGz(srcFolder, tarGzFile string) (err error) {
	out, err := os.Create(tarGzFile)
	if err != nil {
		return fmt.Errorf("failed to create tar.gz file: %w", err)
	}
	defer func() {
		if closeErr := out.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("failed to close tar.gz file: %w", closeErr)
		}
	}()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	walkErr := filepath.Walk(srcFolder, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcFolder, path)
		if err != nil || rel == "." {
			return err
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			header.Name += "/"
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
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
	if walkErr != nil {
		return fmt.Errorf("failed to add %s to tar.gz file: %w", srcFolder, walkErr)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finish tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finish gzip stream: %w", err)
	}
	return nil
}
