// Package resolver turns a (patient, study, series) selection into the
// image references a viewer mounts.
package resolver

import (
	"context"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"mriviewer/internal/models"
	"mriviewer/pkg/errdefs"
)

// Resolver looks up the frames of one series.
type Resolver interface {
	ResolveSeries(ctx context.Context, patientID, studyID, seriesID string) (models.SeriesRefs, error)
}

// Func adapts a function to Resolver.
type Func func(ctx context.Context, patientID, studyID, seriesID string) (models.SeriesRefs, error)

// ResolveSeries implements Resolver.
func (f Func) ResolveSeries(ctx context.Context, patientID, studyID, seriesID string) (models.SeriesRefs, error) {
	return f(ctx, patientID, studyID, seriesID)
}

func notFound(patientID, studyID, seriesID string) error {
	return errdefs.New(errdefs.SeriesNotFound, "resolveSeries", "series %q of study %q (patient %q) not found", seriesID, studyID, patientID)
}

// imageExtensions are the slice file types the file loader can decode
var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".tif": true, ".tiff": true, ".bmp": true,
}

func isImageFile(name string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}

// sliceNumber extracts the digits of a file name, so slice_2 sorts before
// slice_10. Names without digits yield -1.
func sliceNumber(filename string) int {
	base := filepath.Base(filename)
	var digits strings.Builder
	for _, c := range base {
		if c >= '0' && c <= '9' {
			digits.WriteRune(c)
		}
	}
	if digits.Len() == 0 {
		return -1
	}
	n, err := strconv.Atoi(digits.String())
	if err != nil {
		return -1
	}
	return n
}

// sortSlices orders file names by slice number, then by name.
func sortSlices(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		ni, nj := sliceNumber(names[i]), sliceNumber(names[j])
		if ni != nj {
			return ni < nj
		}
		return names[i] < names[j]
	})
}
