// Package headerstrip implements C4: given an AOI CSV whose filename
// encodes a component id and whose real header row is buried a few lines
// in, rewrites the file (from the header row onward) to
// "<dir>/{component_id}.csv", so downstream stages never have to deal
// with AOI-tool preamble lines again.
package headerstrip

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"

	"github.com/dbmplus/dbmorc/pkg/errors"
)

// filenamePattern matches AOI export filenames, e.g. "LINE1_C4823_202601150930.csv".
// The capture group is the component id.
var filenamePattern = regexp.MustCompile(`^[A-Z0-9]+_([A-Z0-9]+)_\d{12}\.csv$`)

// ComponentID extracts the component id from an AOI filename, per spec's
// regex `^[A-Z0-9]+_([A-Z0-9]+)_\d{12}\.csv$`. ok is false if the name
// doesn't match.
func ComponentID(filename string) (id string, ok bool) {
	m := filenamePattern.FindStringSubmatch(filename)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Strip rewrites srcPath, from headerRowIdx (0-based) onward, to
// "<dir(srcPath)>/{component_id}.csv", and returns the new path. The
// source file is left in place — callers decide whether to move/delete it.
// The stripped copy is written beside the source, in the same directory.
func Strip(srcPath string, headerRowIdx int) (string, *errors.AppError) {
	componentID, ok := ComponentID(filepath.Base(srcPath))
	if !ok {
		return "", errors.SchemaMismatch("headerstrip", "Strip", "filename does not match AOI export pattern: "+filepath.Base(srcPath))
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return "", errors.FileNotFound("headerstrip", "Strip", err.Error())
	}
	defer src.Close()

	destPath := filepath.Join(filepath.Dir(srcPath), componentID+".csv")
	dest, err := os.Create(destPath)
	if err != nil {
		return "", errors.WrapError(err, "headerstrip", "Strip", "failed to create destination file")
	}
	defer dest.Close()

	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	writer := bufio.NewWriter(dest)
	defer writer.Flush()

	line := 0
	for scanner.Scan() {
		if line >= headerRowIdx {
			if _, err := writer.WriteString(scanner.Text() + "\n"); err != nil {
				return "", errors.WrapError(err, "headerstrip", "Strip", "failed to write stripped line")
			}
		}
		line++
	}
	if err := scanner.Err(); err != nil {
		return "", errors.FileUnreadable("headerstrip", "Strip", err.Error())
	}

	return destPath, nil
}
