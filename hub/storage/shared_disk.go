package storage

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

type SharedDiskStorage struct {
	basepath string
}

func NewSharedDisk(basepath string) Storage {
	slog.Info("creating new shared disk storage", "basepath", basepath)
	return &SharedDiskStorage{basepath: basepath}
}

func (s *SharedDiskStorage) fullpath(path string) string {
	return filepath.Join(s.basepath, path)
}

func (s *SharedDiskStorage) Read(path string) (io.ReadCloser, error) {
	fullpath := s.fullpath(path)
	file, err := os.Open(fullpath)
	if err != nil {
		slog.Error("error opening file for read", "path", fullpath, "error", err)
		return nil, fmt.Errorf("error reading file %v: %w", path, err)
	}

	return file, nil
}

func (s *SharedDiskStorage) ReadRange(path string, limit int64) ([]byte, error) {
	file, err := s.Read(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, limit))
	if err != nil {
		slog.Error("error reading file range", "path", path, "error", err)
		return nil, fmt.Errorf("error reading file %v: %w", path, err)
	}
	return data, nil
}

func (s *SharedDiskStorage) Write(path string, data io.Reader) error {
	return s.writeData(path, data, os.O_RDWR|os.O_CREATE|os.O_TRUNC)
}

func (s *SharedDiskStorage) Append(path string, data io.Reader) error {
	return s.writeData(path, data, os.O_RDWR|os.O_CREATE|os.O_APPEND)
}

func (s *SharedDiskStorage) writeData(path string, data io.Reader, flags int) error {
	fullpath := s.fullpath(path)

	err := os.MkdirAll(filepath.Dir(fullpath), 0777)
	if err != nil {
		slog.Error("error creating parent directory", "path", fullpath, "error", err)
		return fmt.Errorf("error creating parent directory %v: %w", path, err)
	}

	file, err := os.OpenFile(fullpath, flags, 0666)
	if err != nil {
		slog.Error("error opening file for writing", "path", fullpath, "error", err)
		return fmt.Errorf("error opening file %v: %w", path, err)
	}
	defer file.Close()

	_, err = io.Copy(file, data)
	if err != nil {
		slog.Error("error writing to file", "path", fullpath, "error", err)
		return fmt.Errorf("error writing to file %v: %w", path, err)
	}

	return nil
}

func (s *SharedDiskStorage) CreateDir(path string) error {
	fullpath := s.fullpath(path)
	err := os.MkdirAll(fullpath, 0777)
	if err != nil {
		slog.Error("error creating directory", "path", fullpath, "error", err)
		return fmt.Errorf("error creating directory %v: %w", path, err)
	}
	return nil
}

func (s *SharedDiskStorage) Delete(path string) error {
	fullpath := s.fullpath(path)
	err := os.RemoveAll(fullpath)
	if err != nil {
		slog.Error("error deleting file", "path", fullpath, "error", err)
		return fmt.Errorf("error deleting file %v: %w", path, err)
	}
	return nil
}

func (s *SharedDiskStorage) List(path string) ([]string, error) {
	fullpath := s.fullpath(path)
	entries, err := os.ReadDir(fullpath)
	if err != nil {
		slog.Error("error listing entries", "path", fullpath, "error", err)
		return nil, fmt.Errorf("error listing entries at %v: %w", path, err)
	}

	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		paths = append(paths, entry.Name())
	}

	return paths, nil
}

func (s *SharedDiskStorage) Exists(path string) (bool, error) {
	fullpath := s.fullpath(path)
	_, err := os.Stat(fullpath)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	slog.Error("error checking if file exists", "path", fullpath, "error", err)
	return false, fmt.Errorf("error checking if file %v exists: %w", fullpath, err)
}

func (s *SharedDiskStorage) Move(src, dst string) error {
	if IsSubpath(src, dst, true) {
		return fmt.Errorf("cannot move %v into itself", src)
	}

	fullsrc, fulldst := s.fullpath(src), s.fullpath(dst)

	err := os.MkdirAll(filepath.Dir(fulldst), 0777)
	if err != nil {
		slog.Error("error creating parent directory for move", "path", fulldst, "error", err)
		return fmt.Errorf("error creating parent directory %v: %w", dst, err)
	}

	err = os.Rename(fullsrc, fulldst)
	if err != nil {
		slog.Error("error moving subtree", "src", fullsrc, "dst", fulldst, "error", err)
		return fmt.Errorf("error moving %v to %v: %w", src, dst, err)
	}
	return nil
}

func (s *SharedDiskStorage) Rename(path, newName string) error {
	return s.Move(path, filepath.Join(filepath.Dir(path), newName))
}

func (s *SharedDiskStorage) Unzip(path, dest string) ([]string, error) {
	fullpath := s.fullpath(path)
	archive, err := zip.OpenReader(fullpath)
	if err != nil {
		slog.Error("error opening zip reader", "path", fullpath, "error", err)
		return nil, fmt.Errorf("error opening zip reader: %w", err)
	}
	defer archive.Close()

	// Extract into a tmp dir first so a bad archive never leaves partial
	// contents under dest.
	tmp, err := os.MkdirTemp(s.basepath, ".extract-*")
	if err != nil {
		slog.Error("error creating tmp dir for extraction", "error", err)
		return nil, fmt.Errorf("error creating tmp dir for extraction: %w", err)
	}
	defer os.RemoveAll(tmp)

	extracted := make([]string, 0, len(archive.File))

	for _, file := range archive.File {
		if strings.HasSuffix(file.Name, "/") {
			continue // directory
		}

		name := filepath.Clean(file.Name)
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return nil, fmt.Errorf("archive entry %v escapes extraction dir", file.Name)
		}

		fileData, err := file.Open()
		if err != nil {
			slog.Error("error opening file in zipfile", "path", fullpath, "name", file.Name, "error", err)
			return nil, fmt.Errorf("error opening file in zipfile %v: %w", file.Name, err)
		}

		tmpFile := filepath.Join(tmp, name)
		if err := os.MkdirAll(filepath.Dir(tmpFile), 0777); err != nil {
			fileData.Close()
			return nil, fmt.Errorf("error creating dir for zipfile entry %v: %w", file.Name, err)
		}

		out, err := os.Create(tmpFile)
		if err != nil {
			fileData.Close()
			return nil, fmt.Errorf("error creating file for zipfile entry %v: %w", file.Name, err)
		}

		_, err = io.Copy(out, fileData)
		out.Close()
		fileData.Close()
		if err != nil {
			slog.Error("error writing contents of file in zipfile", "path", fullpath, "name", file.Name, "error", err)
			return nil, fmt.Errorf("error writing contents from zipfile %v: %w", file.Name, err)
		}

		extracted = append(extracted, name)
	}

	fulldest := s.fullpath(dest)
	if err := os.MkdirAll(fulldest, 0777); err != nil {
		return nil, fmt.Errorf("error creating extraction dest %v: %w", dest, err)
	}

	for _, name := range extracted {
		target := filepath.Join(fulldest, name)
		if err := os.MkdirAll(filepath.Dir(target), 0777); err != nil {
			return nil, fmt.Errorf("error creating dir for extracted file %v: %w", name, err)
		}
		if err := os.Rename(filepath.Join(tmp, name), target); err != nil {
			slog.Error("error moving extracted file into place", "name", name, "error", err)
			return nil, fmt.Errorf("error moving extracted file %v: %w", name, err)
		}
	}

	return extracted, nil
}

func (s *SharedDiskStorage) Zip(path string) error {
	fullpath := s.fullpath(path)
	zipfile, err := os.Create(fullpath + ".zip")
	if err != nil {
		slog.Error("error creating file to store zip archive", "path", fullpath, "error", err)
		return fmt.Errorf("error creating file to store zip archive: %w", err)
	}
	defer zipfile.Close()

	archive := zip.NewWriter(zipfile)
	defer archive.Close()

	err = archive.AddFS(os.DirFS(fullpath))
	if err != nil {
		slog.Error("error writing directory to zip archive", "path", fullpath, "error", err)
		return fmt.Errorf("error writing directory '%v' to zipfile: %w", fullpath, err)
	}

	return nil
}

func (s *SharedDiskStorage) Size(path string) (int64, error) {
	fullpath := s.fullpath(path)

	info, err := os.Stat(fullpath)
	if err != nil {
		slog.Error("error getting stats for file", "path", fullpath, "error", err)
		return 0, fmt.Errorf("error getting stats for file %v: %w", fullpath, err)
	}

	return info.Size(), nil
}

func (s *SharedDiskStorage) Usage() (UsageStats, error) {
	var stat unix.Statfs_t

	err := unix.Statfs(s.basepath, &stat)
	if err != nil {
		slog.Error("error getting disk usage for shared storage", "path", s.basepath, "error", err)
		return UsageStats{}, fmt.Errorf("error getting disk usage stats: %w", err)
	}

	return UsageStats{
		TotalBytes: stat.Blocks * uint64(stat.Bsize),
		FreeBytes:  stat.Bfree * uint64(stat.Bsize),
	}, nil
}

func (s *SharedDiskStorage) SaveModel(path string, data io.Reader) error {
	tmpPath := path + ".tmp"
	if err := s.Write(tmpPath, data); err != nil {
		return err
	}

	err := os.Rename(s.fullpath(tmpPath), s.fullpath(path))
	if err != nil {
		slog.Error("error renaming model file into place", "path", path, "error", err)
		return fmt.Errorf("error saving model %v: %w", path, err)
	}
	return nil
}

func (s *SharedDiskStorage) Location() string {
	return s.basepath
}
