// Package store implements the on-disk artifact store.
//
// Every video owns one folder under the cache root, named by its video id.
// A thumbnail at offset t is the pair
//
//	<root>/<videoID>/<t>.webp        the frame (suffix "-live" for livestreams)
//	<root>/<videoID>/<t>.txt         optional title sibling
//
// where <t> is the canonical textual offset. The store never touches the
// coordination store; recency and size accounting belong to the callers.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/fsutil"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/thumbnail"
)

// File name building blocks.
const (
	ImageExt    = ".webp"
	MetadataExt = ".txt"
	VideoExt    = ".mp4"
	LiveSuffix  = "-live"
)

// ErrNotFound is returned when no usable artifact exists for a lookup. A
// zero-byte image counts as missing: a crashed producer may leave one behind.
var ErrNotFound = errors.New("thumbnail not found")

// stripExt removes an optional live suffix and the file extension from an
// artifact file name, leaving the textual offset.
var stripExt = regexp.MustCompile(`(?:-live)?\.\S{3,4}$`)

// Thumbnail is one artifact read back from disk.
type Thumbnail struct {
	Image []byte
	Time  float64
	// Title holds the stored title. It is only populated when the read did
	// not itself carry a title to save.
	Title string
}

// Paths names every file an artifact can own.
type Paths struct {
	Folder   string
	Image    string
	Metadata string
	Video    string // temp download target for livestream extraction
}

// Store is the artifact store rooted at a cache directory.
type Store struct {
	root string
}

// New opens (creating if needed) the artifact store at root.
func New(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve cache root: %w", err)
	}
	if err := os.MkdirAll(abs, 0750); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the resolved cache root directory.
func (s *Store) Root() string {
	return s.root
}

// FolderPath returns the confined folder path for a video id.
func (s *Store) FolderPath(videoID string) (string, error) {
	if !thumbnail.ValidVideoID(videoID) {
		return "", fmt.Errorf("%w: %q", thumbnail.ErrInvalidVideoID, videoID)
	}
	return fsutil.ConfineRelPath(s.root, videoID)
}

// ArtifactPaths resolves every path belonging to the artifact at (videoID, t).
func (s *Store) ArtifactPaths(videoID string, t float64, live bool) (Paths, error) {
	folder, err := s.FolderPath(videoID)
	if err != nil {
		return Paths{}, err
	}
	name := thumbnail.FormatTime(t)
	image := name
	if live {
		image += LiveSuffix
	}
	return Paths{
		Folder:   folder,
		Image:    filepath.Join(folder, image+ImageExt),
		Metadata: filepath.Join(folder, name+MetadataExt),
		Video:    filepath.Join(folder, name+VideoExt),
	}, nil
}

// Read loads the artifact at (videoID, t). When saveTitle is non-empty it is
// persisted as the artifact's title and the stored one is not returned; the
// second return value is the number of title bytes written.
//
// Offsets that drifted in their textual form (a producer that once wrote
// "5.30") are repaired by prefix-matching the offset truncated to millisecond
// precision against the folder's image files.
func (s *Store) Read(videoID string, t float64, live bool, saveTitle string) (Thumbnail, int64, error) {
	folder, err := s.FolderPath(videoID)
	if err != nil {
		return Thumbnail{}, 0, err
	}

	t = s.repairTime(folder, t)

	paths, err := s.ArtifactPaths(videoID, t, live)
	if err != nil {
		return Thumbnail{}, 0, err
	}

	image, err := os.ReadFile(paths.Image)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Thumbnail{}, 0, fmt.Errorf("%w: %s at %s", ErrNotFound, videoID, thumbnail.FormatTime(t))
		}
		return Thumbnail{}, 0, fmt.Errorf("read image: %w", err)
	}
	if len(image) == 0 {
		// A crashed producer left a truncated file behind. Remove it so the
		// miss path regenerates instead of looping on the same husk.
		_ = os.Remove(paths.Image)
		return Thumbnail{}, 0, fmt.Errorf("%w: %s at %s is empty", ErrNotFound, videoID, thumbnail.FormatTime(t))
	}

	var saved int64
	if saveTitle != "" {
		saved, err = s.WriteTitle(videoID, t, saveTitle)
		if err != nil {
			return Thumbnail{}, 0, err
		}
		return Thumbnail{Image: image, Time: t}, saved, nil
	}

	out := Thumbnail{Image: image, Time: t}
	if title, err := os.ReadFile(paths.Metadata); err == nil {
		out.Title = string(title)
	}
	return out, 0, nil
}

// Latest finds the most recent artifact of a video.
//
// Selection order: the best-time hint when its file still exists, then the
// newest title-bearing artifact (a title means someone cared about that
// frame), then the newest image. live applies to the final read, mirroring
// the request parameter rather than the found file's name.
func (s *Store) Latest(videoID string, live bool, bestTime string, saveTitle string) (Thumbnail, int64, error) {
	folder, err := s.FolderPath(videoID)
	if err != nil {
		return Thumbnail{}, 0, err
	}

	names, err := namesByMtimeDesc(folder)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Thumbnail{}, 0, fmt.Errorf("%w: %s", ErrNotFound, videoID)
		}
		return Thumbnail{}, 0, err
	}

	var selected string
	if bestTime != "" {
		cand := bestTime + ImageExt
		for _, name := range names {
			if name == cand {
				selected = cand
				break
			}
		}
	}

	if selected == "" {
		for _, name := range names {
			if strings.HasSuffix(name, MetadataExt) {
				selected = name
				break
			}
		}
	}
	if selected == "" {
		for _, name := range names {
			if strings.HasSuffix(name, ImageExt) {
				selected = name
				break
			}
		}
	}
	if selected == "" {
		return Thumbnail{}, 0, fmt.Errorf("%w: %s", ErrNotFound, videoID)
	}

	t, err := strconv.ParseFloat(stripExt.ReplaceAllString(selected, ""), 64)
	if err != nil {
		return Thumbnail{}, 0, fmt.Errorf("unparsable artifact name %q: %w", selected, err)
	}
	return s.Read(videoID, t, live, saveTitle)
}

// repairTime returns the canonical offset of an on-disk image whose name
// starts with t truncated to millisecond precision. Integral offsets skip
// the scan: their canonical form has no fractional digits to drift.
func (s *Store) repairTime(folder string, t float64) float64 {
	prefix := thumbnail.TruncMillis(t)
	if !strings.Contains(prefix, ".") {
		return t
	}

	entries, err := os.ReadDir(folder)
	if err != nil {
		return t
	}
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || !strings.HasSuffix(name, ImageExt) || !strings.HasPrefix(name, prefix) {
			continue
		}
		// Live images fail the parse and are skipped on purpose.
		if v, err := strconv.ParseFloat(strings.TrimSuffix(name, ImageExt), 64); err == nil {
			return v
		}
	}
	return t
}

func namesByMtimeDesc(folder string) ([]string, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, err
	}

	type nameTime struct {
		name string
		mod  int64
	}
	files := make([]nameTime, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, nameTime{name: e.Name(), mod: info.ModTime().UnixNano()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod > files[j].mod })

	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.name
	}
	return names, nil
}
