package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/thumbnail"
)

// EnsureFolder creates the video's folder and returns its path. The frame
// extractor writes the image file itself, so producers call this before
// handing the output path to the subprocess.
func (s *Store) EnsureFolder(videoID string) (string, error) {
	folder, err := s.FolderPath(videoID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(folder, 0750); err != nil {
		return "", fmt.Errorf("create video folder: %w", err)
	}
	return folder, nil
}

// Write persists an artifact: the image, then the title sibling when title is
// non-empty. Returns the total bytes written. There is no atomic rename;
// an interrupted write leaves an undersized image which readers discard.
func (s *Store) Write(videoID string, t float64, live bool, image []byte, title string) (int64, error) {
	if _, err := s.EnsureFolder(videoID); err != nil {
		return 0, err
	}
	paths, err := s.ArtifactPaths(videoID, t, live)
	if err != nil {
		return 0, err
	}

	if err := os.WriteFile(paths.Image, image, 0640); err != nil {
		return 0, fmt.Errorf("write image: %w", err)
	}
	written := int64(len(image))

	if title != "" {
		n, err := s.WriteTitle(videoID, t, title)
		if err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

// WriteTitle persists the title sibling for an existing artifact and returns
// the byte count written.
func (s *Store) WriteTitle(videoID string, t float64, title string) (int64, error) {
	paths, err := s.ArtifactPaths(videoID, t, false)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(paths.Folder, 0750); err != nil {
		return 0, fmt.Errorf("create video folder: %w", err)
	}
	data := []byte(title)
	if err := os.WriteFile(paths.Metadata, data, 0640); err != nil {
		return 0, fmt.Errorf("write title: %w", err)
	}
	return int64(len(data)), nil
}

// DeleteArtifact removes the image and title files of one artifact. Missing
// files are not an error.
func (s *Store) DeleteArtifact(videoID string, t float64, live bool) error {
	paths, err := s.ArtifactPaths(videoID, t, live)
	if err != nil {
		return err
	}
	if err := os.Remove(paths.Image); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete image: %w", err)
	}
	if err := os.Remove(paths.Metadata); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete title: %w", err)
	}
	return nil
}

// DeleteVideo removes a video's folder and everything in it.
func (s *Store) DeleteVideo(videoID string) error {
	folder, err := s.FolderPath(videoID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(folder); err != nil {
		return fmt.Errorf("delete video folder: %w", err)
	}
	return nil
}

// FolderSize walks path and returns the summed size of regular files plus
// their count. Cleanup is the only caller; everything else trusts the
// storage counter.
func FolderSize(path string) (int64, int, error) {
	var bytes int64
	var files int
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			// A file deleted mid-walk is fine; cleanup runs concurrently
			// with generation.
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		bytes += info.Size()
		files++
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("walk %s: %w", path, err)
	}
	return bytes, files, nil
}

// VideoFolder is one video's directory as seen by the drift scan.
type VideoFolder struct {
	VideoID string
	ModTime time.Time
}

// VideoFolders lists the video directories under the cache root with their
// modification times. Non-directories and foreign names are skipped.
func (s *Store) VideoFolders() ([]VideoFolder, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read cache root: %w", err)
	}
	folders := make([]VideoFolder, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || !thumbnail.ValidVideoID(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		folders = append(folders, VideoFolder{VideoID: e.Name(), ModTime: info.ModTime()})
	}
	return folders, nil
}
