package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-chunkupload/client/chunkuploader"
	"github.com/bitrise-io/go-chunkupload/transfer"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/gabriel-vasile/mimetype"
)

// SelectPaths selects the files matching patterns. Patterns may contain doublestar wildcards;
// directories and missing paths are skipped with a warning. It returns the number of selected files.
func (o *Orchestrator) SelectPaths(patterns ...string) (int, error) {
	paths, err := o.evaluatePaths(patterns)
	if err != nil {
		return 0, fmt.Errorf("failed to parse paths: %w", err)
	}

	var items []SelectedItem
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			o.logger.Warnf("Failed to stat %s: %s", path, err)
			continue
		}
		if info.IsDir() {
			o.logger.Warnf("Skipping directory: %s", path)
			continue
		}

		items = append(items, SelectedItem{
			Source:      chunkuploader.NewFileSource(path),
			DisplayName: filepath.Base(path),
			MimeType:    detectMimeType(path),
			SizeBytes:   info.Size(),
		})
	}

	if len(items) == 0 {
		return 0, transfer.NewError(transfer.KindInvalidInput, "select paths", transfer.ErrNothingSelected)
	}
	if err := o.Select(items...); err != nil {
		return 0, err
	}

	return len(items), nil
}

func (o *Orchestrator) evaluatePaths(paths []string) ([]string, error) {
	var expandedPaths []string
	for _, path := range paths {
		if !strings.ContainsAny(path, "*?[{") {
			expandedPaths = append(expandedPaths, path)
			continue
		}

		base, pattern := doublestar.SplitPattern(path)
		absBase, err := o.pathModifier.AbsPath(base)
		if err != nil {
			return nil, err
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), pattern, doublestar.WithNoFollow())
		if err != nil {
			o.logger.Warnf("Error in path pattern '%s': %s", path, err)
			continue
		}
		if len(matches) == 0 {
			o.logger.Warnf("No match for path pattern: %s", path)
			continue
		}

		for _, match := range matches {
			expandedPaths = append(expandedPaths, filepath.Join(absBase, match))
		}
	}

	var finalPaths []string
	for _, path := range expandedPaths {
		absPath, err := o.pathModifier.AbsPath(path)
		if err != nil {
			o.logger.Warnf("Failed to parse path %s, error: %s", path, err)
			continue
		}

		exists, err := o.pathChecker.IsPathExists(absPath)
		if err != nil {
			o.logger.Warnf("Failed to check path %s, error: %s", absPath, err)
		}
		if !exists {
			o.logger.Warnf("Path doesn't exist: %s", path)
			continue
		}

		finalPaths = append(finalPaths, absPath)
	}

	return finalPaths, nil
}

func detectMimeType(path string) string {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return "application/octet-stream"
	}
	mediaType, _, _ := strings.Cut(mtype.String(), ";")
	return mediaType
}
