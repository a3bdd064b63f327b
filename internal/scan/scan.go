// Package scan expands command line paths into the DICOM files they name.
package scan

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/danmuck/dicomctl/internal/transcode"
	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
)

const MIMEType = "application/dicom"

var ErrNotDICOM = errors.New("scan: not a DICOM part 10 file")

type Options struct {
	Recursive bool
	// KeepConverted keeps files that carry the converted-copy suffix.
	KeepConverted bool
}

// Result is the expansion of a set of inputs. Files keeps input order for
// explicitly named files and lexical order within a directory.
type Result struct {
	Files   []string
	Skipped []string
}

// IsDICOM sniffs path for the Part 10 preamble and DICM prefix.
func IsDICOM(path string) (bool, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return false, err
	}
	return mt.Is(MIMEType), nil
}

// Expand resolves every input. A file named explicitly must be DICOM; files
// found while walking a directory are skipped when they are not.
func Expand(inputs []string, opts Options) (Result, error) {
	var res Result
	seen := make(map[string]struct{})
	add := func(p string) {
		if _, dup := seen[p]; dup {
			return
		}
		seen[p] = struct{}{}
		res.Files = append(res.Files, p)
	}

	for _, in := range inputs {
		in := in
		in = strings.TrimSpace(in)
		if in == "" {
			continue
		}
		info, err := os.Stat(in)
		if err != nil {
			return Result{}, fmt.Errorf("scan: %w", err)
		}
		if !info.IsDir() {
			ok, err := IsDICOM(in)
			if err != nil {
				return Result{}, fmt.Errorf("scan: %s: %w", in, err)
			}
			if !ok {
				return Result{}, fmt.Errorf("%w: %s", ErrNotDICOM, in)
			}
			add(filepath.Clean(in))
			continue
		}

		var found []string
		err = filepath.WalkDir(in, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if p != in && (!opts.Recursive || strings.HasPrefix(d.Name(), ".")) {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".") {
				return nil
			}
			if !opts.KeepConverted && strings.HasSuffix(d.Name(), transcode.ConvertedSuffix) {
				return nil
			}
			ok, err := IsDICOM(p)
			if err != nil || !ok {
				res.Skipped = append(res.Skipped, p)
				return nil
			}
			found = append(found, p)
			return nil
		})
		if err != nil {
			return Result{}, fmt.Errorf("scan: walk %s: %w", in, err)
		}
		sort.Strings(found)
		for _, p := range found {
			add(p)
		}
	}
	if len(res.Skipped) > 0 {
		log.Debug().Int("skipped", len(res.Skipped)).Msg("scan: non-DICOM files ignored")
	}
	return res, nil
}
