package resolver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"mriviewer/internal/models"
	"mriviewer/pkg/errdefs"
	"mriviewer/pkg/metadata"
)

// Manifest lists the series a ManifestResolver can serve.
type Manifest struct {
	Patients []ManifestPatient `yaml:"patients"`
}

// ManifestPatient is one patient of a manifest
type ManifestPatient struct {
	ID      string          `yaml:"id"`
	Studies []ManifestStudy `yaml:"studies"`
}

// ManifestStudy is one study of a manifest
type ManifestStudy struct {
	ID     string           `yaml:"id"`
	Series []ManifestSeries `yaml:"series"`
}

// ManifestSeries is one series: its frames, an optional mask and optional
// per-frame geometry aligned with the frames.
type ManifestSeries struct {
	ID        string   `yaml:"id"`
	ImageType string   `yaml:"imageType"`
	Frames    []string `yaml:"frames"`
	Mask      []string `yaml:"mask,omitempty"`

	Geometry     []models.FrameGeometry `yaml:"geometry,omitempty"`
	MaskGeometry []models.FrameGeometry `yaml:"maskGeometry,omitempty"`
}

// ManifestResolver serves series listed in a YAML manifest.
type ManifestResolver struct {
	manifest Manifest
	dir      string
	store    *metadata.Store
}

// LoadManifest reads a manifest file. Relative "file:" paths are resolved
// against the manifest's directory. Geometry listed in the manifest is put
// into store when the series is resolved; store may be nil.
func LoadManifest(path string, store *metadata.Store) (*ManifestResolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading manifest: %w", err)
	}
	return ParseManifest(data, filepath.Dir(path), store)
}

// ParseManifest parses manifest YAML. dir anchors relative file paths.
func ParseManifest(data []byte, dir string, store *metadata.Store) (*ManifestResolver, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("error parsing manifest: %w", err)
	}
	for _, p := range m.Patients {
		for _, st := range p.Studies {
			for _, se := range st.Series {
				if len(se.Geometry) > 0 && len(se.Geometry) != len(se.Frames) {
					return nil, fmt.Errorf("series %q lists %d geometries for %d frames", se.ID, len(se.Geometry), len(se.Frames))
				}
				if len(se.MaskGeometry) > 0 && len(se.MaskGeometry) != len(se.Mask) {
					return nil, fmt.Errorf("series %q lists %d mask geometries for %d mask frames", se.ID, len(se.MaskGeometry), len(se.Mask))
				}
			}
		}
	}
	return &ManifestResolver{manifest: m, dir: dir, store: store}, nil
}

// Manifest returns the parsed manifest.
func (r *ManifestResolver) Manifest() Manifest { return r.manifest }

// ResolveSeries implements Resolver. An empty patient or study id matches
// any patient or study.
func (r *ManifestResolver) ResolveSeries(ctx context.Context, patientID, studyID, seriesID string) (models.SeriesRefs, error) {
	if err := ctx.Err(); err != nil {
		return models.SeriesRefs{}, err
	}
	se, ok := r.find(patientID, studyID, seriesID)
	if !ok {
		return models.SeriesRefs{}, notFound(patientID, studyID, seriesID)
	}

	base, err := r.parse(se.Frames)
	if err != nil {
		return models.SeriesRefs{}, &errdefs.Error{Kind: errdefs.InvalidReference, Op: "resolveSeries", Err: err}
	}
	mask, err := r.parse(se.Mask)
	if err != nil {
		return models.SeriesRefs{}, &errdefs.Error{Kind: errdefs.InvalidReference, Op: "resolveSeries", Err: fmt.Errorf("mask: %w", err)}
	}

	if r.store != nil {
		for i, g := range se.Geometry {
			r.store.Put(base[i], g)
		}
		for i, g := range se.MaskGeometry {
			r.store.Put(mask[i], g)
		}
	}

	refs := models.SeriesRefs{SeriesID: se.ID, ImageType: se.ImageType, Base: base}
	if len(mask) > 0 {
		refs.Mask = models.MaskStack(mask)
	}
	return refs, nil
}

func (r *ManifestResolver) find(patientID, studyID, seriesID string) (ManifestSeries, bool) {
	for _, p := range r.manifest.Patients {
		if patientID != "" && p.ID != patientID {
			continue
		}
		for _, st := range p.Studies {
			if studyID != "" && st.ID != studyID {
				continue
			}
			for _, se := range st.Series {
				if se.ID == seriesID {
					return se, true
				}
			}
		}
	}
	return ManifestSeries{}, false
}

func (r *ManifestResolver) parse(ids []string) (models.Stack, error) {
	stack, err := models.ParseStack(ids)
	if err != nil {
		return nil, err
	}
	for i, ref := range stack {
		if ref.Protocol == "file" && !filepath.IsAbs(ref.Path) && r.dir != "" {
			stack[i].Path = filepath.Join(r.dir, ref.Path)
		}
	}
	return stack, nil
}
