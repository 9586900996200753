package artifacts

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const dirPerm = 0o700

// writeArchive streams a tar.gz of sourceDir into w
func writeArchive(w io.Writer, sourceDir string) error {
	gzipWriter := gzip.NewWriter(w)
	tarWriter := tar.NewWriter(gzipWriter)

	walkErr := filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == sourceDir {
			return nil
		}
		return addToArchive(tarWriter, sourceDir, path, info)
	})
	if walkErr != nil {
		return walkErr
	}
	if err := tarWriter.Close(); err != nil {
		return err
	}
	return gzipWriter.Close()
}

func addToArchive(tarWriter *tar.Writer, sourceDir, path string, info os.FileInfo) error {
	// Sockets, fifos and symlinks are runtime leftovers of the worker's browser
	if !info.Mode().IsRegular() && !info.IsDir() {
		return nil
	}

	header, err := tar.FileInfoHeader(info, info.Name())
	if err != nil {
		return err
	}
	relPath, err := filepath.Rel(sourceDir, path)
	if err != nil {
		return err
	}
	header.Name = filepath.ToSlash(relPath)

	if err := tarWriter.WriteHeader(header); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = io.Copy(tarWriter, file)
	return err
}

// readArchive extracts a tar.gz stream into targetDir
func readArchive(r io.Reader, targetDir string) error {
	gzipReader, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := extractEntry(tarReader, targetDir, header); err != nil {
			return err
		}
	}
}

func extractEntry(tarReader *tar.Reader, targetDir string, header *tar.Header) error {
	if filepath.IsAbs(header.Name) {
		return fmt.Errorf("illegal file path in archive: %s (absolute paths not allowed)", header.Name)
	}

	cleanedPath := filepath.Clean(filepath.Join(targetDir, header.Name))
	root := filepath.Clean(targetDir) + string(filepath.Separator)
	if !strings.HasPrefix(cleanedPath+string(filepath.Separator), root) {
		return fmt.Errorf("illegal file path in archive: %s (outside target directory)", header.Name)
	}

	switch header.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(cleanedPath, dirPerm)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(cleanedPath), dirPerm); err != nil {
			return err
		}
		outFile, err := os.OpenFile(cleanedPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(header.Mode)&0o700)
		if err != nil {
			return err
		}
		if _, err := io.Copy(outFile, tarReader); err != nil {
			_ = outFile.Close()
			return err
		}
		return outFile.Close()
	}
	return nil
}
