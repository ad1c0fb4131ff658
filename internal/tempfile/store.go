package tempfile

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tanq16/hanzo/internal/segment"
	"github.com/tanq16/hanzo/internal/utils"
)

// Part files are named "<start>-<end>.part" so the byte range survives a
// restart with no metadata file.
const partSuffix = ".part"

type PartFile struct {
	Path    string
	Segment segment.Segment
	Size    int64
}

// Store owns the per-download temp directories and the final assembly of
// part files into the destination artifact.
type Store struct {
	TempDir         string
	SaveDir         string
	FallbackSaveDir string
	log             zerolog.Logger
}

func NewStore(tempDir, saveDir, fallbackSaveDir string) *Store {
	return &Store{
		TempDir:         tempDir,
		SaveDir:         saveDir,
		FallbackSaveDir: fallbackSaveDir,
		log:             utils.GetLogger("tempfile"),
	}
}

func (s *Store) DownloadDir(uid string) string {
	return filepath.Join(s.TempDir, uid)
}

func (s *Store) PartPath(uid string, seg segment.Segment) string {
	return filepath.Join(s.DownloadDir(uid), PartName(seg))
}

func PartName(seg segment.Segment) string {
	return fmt.Sprintf("%d-%d%s", seg.Start, seg.End, partSuffix)
}

// ParsePartName recovers the byte range encoded in a part file name.
func ParsePartName(name string) (segment.Segment, error) {
	base := strings.TrimSuffix(name, partSuffix)
	if base == name {
		return segment.Segment{}, fmt.Errorf("not a part file: %s", name)
	}
	parts := strings.SplitN(base, "-", 2)
	if len(parts) != 2 {
		return segment.Segment{}, fmt.Errorf("malformed part file name: %s", name)
	}
	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return segment.Segment{}, fmt.Errorf("malformed start byte in %s: %v", name, err)
	}
	end, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return segment.Segment{}, fmt.Errorf("malformed end byte in %s: %v", name, err)
	}
	if start < 0 || end < start {
		return segment.Segment{}, fmt.Errorf("invalid byte range in %s", name)
	}
	return segment.Segment{Start: start, End: end}, nil
}

// SortedParts lists a download's part files ordered by start byte. Files
// that don't parse as part files are ignored.
func (s *Store) SortedParts(uid string) ([]PartFile, error) {
	dir := s.DownloadDir(uid)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading temp directory: %v", err)
	}
	var parts []PartFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		seg, err := ParsePartName(entry.Name())
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		parts = append(parts, PartFile{
			Path:    filepath.Join(dir, entry.Name()),
			Segment: seg,
			Size:    info.Size(),
		})
	}
	sort.Slice(parts, func(i, j int) bool {
		return parts[i].Segment.Start < parts[j].Segment.Start
	})
	return parts, nil
}

// MissingRanges walks the sorted part files and returns the byte ranges not
// yet covered. An empty or missing directory yields the full content range.
func (s *Store) MissingRanges(item utils.DownloadItem) ([]segment.Segment, error) {
	parts, err := s.SortedParts(item.UID)
	if err != nil {
		return nil, err
	}
	full := segment.Segment{Start: 0, End: item.ContentLength - 1}
	if len(parts) == 0 {
		return []segment.Segment{full}, nil
	}
	var missing []segment.Segment
	var next int64
	for _, part := range parts {
		if part.Segment.Start > next {
			missing = append(missing, segment.Segment{Start: next, End: part.Segment.Start - 1})
		}
		if end := part.Segment.End + 1; end > next {
			next = end
		}
	}
	if next <= full.End {
		missing = append(missing, segment.Segment{Start: next, End: full.End})
	}
	return missing, nil
}

// ValidationIssue flags one corrupted part file.
type ValidationIssue struct {
	Part   PartFile
	Reason string
}

// ValidateIntegrity flags part files whose on-disk length doesn't match
// their named range, whose range exceeds the content length, or whose range
// overlaps another part. With deleteCorrupted the flagged files are
// unlinked. With checkMissing uncovered gaps are reported as issues too.
func (s *Store) ValidateIntegrity(item utils.DownloadItem, deleteCorrupted, checkMissing bool) ([]ValidationIssue, error) {
	parts, err := s.SortedParts(item.UID)
	if err != nil {
		return nil, err
	}
	var issues []ValidationIssue
	corrupted := make(map[string]bool)
	flag := func(part PartFile, reason string) {
		issues = append(issues, ValidationIssue{Part: part, Reason: reason})
		corrupted[part.Path] = true
	}
	for i, part := range parts {
		if part.Size != part.Segment.Length() {
			flag(part, fmt.Sprintf("length mismatch: %d on disk, range is %d", part.Size, part.Segment.Length()))
			continue
		}
		if part.Segment.End >= item.ContentLength {
			flag(part, fmt.Sprintf("range %s exceeds content length %d", part.Segment, item.ContentLength))
			continue
		}
		if i > 0 && parts[i-1].Segment.Overlaps(part.Segment) && !corrupted[parts[i-1].Path] {
			flag(part, fmt.Sprintf("range %s overlaps %s", part.Segment, parts[i-1].Segment))
		}
	}
	if checkMissing {
		missing, err := s.MissingRanges(item)
		if err != nil {
			return issues, err
		}
		for _, seg := range missing {
			issues = append(issues, ValidationIssue{Reason: fmt.Sprintf("missing range %s", seg)})
		}
	}
	if deleteCorrupted {
		for path := range corrupted {
			if err := os.Remove(path); err != nil {
				s.log.Warn().Err(err).Str("file", path).Msg("Failed to delete corrupted part file")
			} else {
				s.log.Debug().Str("file", path).Msg("Deleted corrupted part file")
			}
		}
	}
	return issues, nil
}

// Assemble concatenates the sorted part files into the destination file.
// On name conflict the destination is disambiguated with a suffix; if the
// destination can't be created at all, the file is saved under the
// download's UID in the fallback directory. Success requires the final
// length to equal the content length; only then is the temp directory
// removed.
func (s *Store) Assemble(item utils.DownloadItem) (string, error) {
	parts, err := s.SortedParts(item.UID)
	if err != nil {
		return "", err
	}
	destPath := filepath.Join(s.SaveDir, item.FileName)
	if err := os.MkdirAll(s.SaveDir, 0755); err != nil {
		return "", fmt.Errorf("error creating save directory: %v", err)
	}
	if _, err := os.Stat(destPath); err == nil {
		destPath = utils.RenewOutputPath(destPath)
	}
	destFile, err := os.Create(destPath)
	if err != nil {
		fallbackDir := s.FallbackSaveDir
		if fallbackDir == "" {
			fallbackDir = s.TempDir
		}
		if mkErr := os.MkdirAll(fallbackDir, 0755); mkErr != nil {
			return "", fmt.Errorf("error creating destination file: %v", err)
		}
		destPath = filepath.Join(fallbackDir, item.UID+filepath.Ext(item.FileName))
		destFile, err = os.Create(destPath)
		if err != nil {
			return "", fmt.Errorf("error creating destination file: %v", err)
		}
		s.log.Warn().Str("file", destPath).Msg("Destination unavailable, saving under UID in fallback directory")
	}
	defer destFile.Close()

	var totalWritten int64
	for _, part := range parts {
		partFile, err := os.Open(part.Path)
		if err != nil {
			return destPath, fmt.Errorf("error opening part file %s: %v", part.Path, err)
		}
		written, err := io.Copy(destFile, partFile)
		partFile.Close()
		if err != nil {
			return destPath, fmt.Errorf("error copying part data: %v", err)
		}
		totalWritten += written
	}
	if totalWritten != item.ContentLength {
		// Temp files are kept so the download can be retried.
		return destPath, fmt.Errorf("assembled %d bytes, expected %d", totalWritten, item.ContentLength)
	}
	if err := os.RemoveAll(s.DownloadDir(item.UID)); err != nil {
		s.log.Warn().Err(err).Str("uid", item.UID).Msg("Failed to remove temp directory")
	}
	s.log.Debug().Str("file", destPath).Int64("size", totalWritten).Msg("Assembly complete")
	return destPath, nil
}
