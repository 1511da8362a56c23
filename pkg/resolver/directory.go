package resolver

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"mriviewer/internal/models"
	"mriviewer/pkg/metadata"
)

// MaskDir is the subdirectory of a series directory holding its mask frames.
const MaskDir = "mask"

// DirectoryResolver serves series stored as one image file per slice under
// Root/<patient>/<study>/<series>. Empty patient or study ids are skipped
// in the path.
//
// Slice files carry no spatial metadata, so a stacked geometry is
// synthesized: slices are SliceGap apart along the axial normal with square
// pixels of PixelSpacing. Base and mask frames of a series share a frame of
// reference.
type DirectoryResolver struct {
	Root         string
	PixelSpacing float64
	SliceGap     float64

	// Metadata receives the synthesized geometry; nothing is stored when nil
	Metadata *metadata.Store
}

// ResolveSeries implements Resolver.
func (r *DirectoryResolver) ResolveSeries(ctx context.Context, patientID, studyID, seriesID string) (models.SeriesRefs, error) {
	if err := ctx.Err(); err != nil {
		return models.SeriesRefs{}, err
	}
	if seriesID == "" {
		return models.SeriesRefs{}, notFound(patientID, studyID, seriesID)
	}
	dir := filepath.Join(r.Root, patientID, studyID, seriesID)
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.IsDir()) {
		return models.SeriesRefs{}, notFound(patientID, studyID, seriesID)
	}
	if err != nil {
		return models.SeriesRefs{}, fmt.Errorf("error reading series directory: %w", err)
	}

	base, err := r.slices(dir)
	if err != nil {
		return models.SeriesRefs{}, err
	}
	refs := models.SeriesRefs{
		SeriesID:  seriesID,
		ImageType: imageTypeOf(seriesID),
		Base:      base,
	}

	maskDir := filepath.Join(dir, MaskDir)
	if info, err := os.Stat(maskDir); err == nil && info.IsDir() {
		mask, err := r.slices(maskDir)
		if err != nil {
			return models.SeriesRefs{}, err
		}
		if len(mask) > 0 {
			refs.Mask = models.MaskStack(mask)
		}
	}

	r.storeGeometry(dir, refs.Base)
	r.storeGeometry(dir, models.Stack(refs.Mask))
	return refs, nil
}

func (r *DirectoryResolver) slices(dir string) (models.Stack, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("error reading series directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && isImageFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sortSlices(names)

	stack := make(models.Stack, len(names))
	for i, name := range names {
		stack[i] = models.ImageReference{Protocol: "file", Path: filepath.Join(dir, name)}
	}
	return stack, nil
}

func (r *DirectoryResolver) storeGeometry(seriesDir string, stack models.Stack) {
	if r.Metadata == nil {
		return
	}
	spacing, gap := r.PixelSpacing, r.SliceGap
	if spacing <= 0 {
		spacing = 1
	}
	if gap <= 0 {
		gap = 1
	}
	for i, ref := range stack {
		r.Metadata.Put(ref, models.FrameGeometry{
			PixelSpacing:        [2]float64{spacing, spacing},
			ImagePosition:       [3]float64{0, 0, float64(i) * gap},
			ImageOrientation:    models.DefaultOrientation,
			FrameOfReferenceUID: "dir:" + seriesDir,
			SliceThickness:      gap,
		})
	}
}

// imageTypeOf derives the image type from a series directory name: the part
// before the first '-' or '_', upper-cased. "flair_01" is FLAIR, "seg" is SEG.
func imageTypeOf(seriesID string) string {
	name := filepath.Base(seriesID)
	if i := strings.IndexAny(name, "-_"); i > 0 {
		name = name[:i]
	}
	return strings.ToUpper(name)
}
