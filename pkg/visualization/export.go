// Package visualization writes rendered viewport frames to disk.
package visualization

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"mriviewer/internal/monitoring"
	"mriviewer/pkg/render"
)

// SaveSlice renders frame index of vp and saves it as a JPEG image. The
// viewport is left on that frame.
func SaveSlice(ctx context.Context, vp *render.Viewport, index int, filename string, quality int) error {
	if _, err := vp.SetImageIndex(index); err != nil {
		return err
	}
	if err := vp.Render(ctx); err != nil {
		return err
	}

	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := vp.Snapshot(file, quality); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveSliceSequence renders every frame of the stack of vp into outputDir as
// slice_NNN.jpg and returns the written paths. The frame shown before the
// call is restored afterwards.
func SaveSliceSequence(ctx context.Context, vp *render.Viewport, outputDir string, quality int) ([]string, error) {
	n := vp.Stack().Len()
	if n == 0 {
		return nil, fmt.Errorf("viewport %s has no stack", vp.ID())
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	current := vp.ImageIndex()
	defer func() {
		if _, err := vp.SetImageIndex(current); err == nil {
			vp.Render(context.WithoutCancel(ctx))
		}
	}()

	paths := make([]string, 0, n)
	for pos := 0; pos < n; pos++ {
		if err := ctx.Err(); err != nil {
			return paths, err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%03d.jpg", pos))
		if err := SaveSlice(ctx, vp, pos, filename, quality); err != nil {
			return paths, fmt.Errorf("slice %d: %w", pos, err)
		}
		paths = append(paths, filename)
	}
	monitoring.Debugf("visualization: saved %d slices of %s to %s", n, vp.ID(), outputDir)
	return paths, nil
}
