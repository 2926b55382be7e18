// Package manifest parses and represents the dex manifest: one record
// per installable dex, keyed by its install path.
package manifest

import (
	"fmt"
	"strings"
)

// Entry is a single dex manifest record.
type Entry struct {
	// InputFile is the local filesystem path to either a standalone
	// dex file or a zip bundle containing one.
	InputFile string
	// ZipPath is the entry path inside InputFile when InputFile is a
	// bundle. The sentinel "-" means InputFile is itself the dex.
	ZipPath string
	// InstallPath is the unique (within a Manifest), device-relative
	// path this dex must be pushed to.
	InstallPath string
	// SHA256 is the hex content digest of the dex bytes.
	SHA256 string
}

// StandaloneZipPath is the sentinel meaning "InputFile is itself the
// dex, not a zip bundle entry".
const StandaloneZipPath = "-"

// IsStandalone reports whether e is pushed directly from InputFile
// rather than extracted from a zip bundle.
func (e Entry) IsStandalone() bool { return e.ZipPath == StandaloneZipPath }

// Manifest maps install path to its Entry. Iteration order is
// irrelevant; uniqueness of install path is the parser's invariant.
type Manifest map[string]Entry

// Parse parses the line-oriented manifest format: one record per
// non-empty line, four whitespace-separated fields in order
// `input_file zip_path install_path sha256`. Duplicate install paths
// are last-wins, matching the original tool's dict-construction
// behavior exactly (this is deliberate, not a bug to fix).
func Parse(contents string) (Manifest, error) {
	result := make(Manifest)
	lines := strings.Split(contents, "\n")
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			// A trailing empty line (from a final newline) is expected
			// and skipped; an empty line in the middle of the file is
			// still just skipped rather than treated as an error, since
			// the original parser never validated line count either.
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 4 {
			return nil, fmt.Errorf("manifest: line %d: expected 4 fields, got %d: %q", i+1, len(fields), line)
		}
		e := Entry{
			InputFile:   fields[0],
			ZipPath:     fields[1],
			InstallPath: fields[2],
			SHA256:      fields[3],
		}
		result[e.InstallPath] = e
	}
	return result, nil
}

// Diff describes the dex-level changes needed to bring a device from
// old to new.
type Diff struct {
	// ToDelete is the set of install paths present in old but absent
	// from new.
	ToDelete []string
	// ToUpload is the set of install paths that must be (re)pushed:
	// every path new but not in old, plus every path present in both
	// whose content digest changed.
	ToUpload []string
}

// IsEmpty reports whether the diff requires no device mutation at all
// — the fast path that must be observable with zero pushes, zero
// deletes, and no manifest-anchor rewrite.
func (d Diff) IsEmpty() bool { return len(d.ToDelete) == 0 && len(d.ToUpload) == 0 }

// Compute computes the diff between an old (device-resident) manifest
// and a new (freshly built) one.
func Compute(old, new Manifest) Diff {
	var d Diff
	for path := range old {
		if _, ok := new[path]; !ok {
			d.ToDelete = append(d.ToDelete, path)
		}
	}
	for path, newEntry := range new {
		oldEntry, existed := old[path]
		if !existed || oldEntry.SHA256 != newEntry.SHA256 {
			d.ToUpload = append(d.ToUpload, path)
		}
	}
	return d
}
