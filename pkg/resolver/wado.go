package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"mriviewer/internal/models"
	"mriviewer/pkg/errdefs"
)

// SeriesInstances describes the DICOM instances of a series held by a PACS.
type SeriesInstances struct {
	ImageType string

	// InstanceIDs are ordered by slice position
	InstanceIDs []string

	// MaskInstanceIDs are the labelmap instances aligned with InstanceIDs
	MaskInstanceIDs []string
}

// InstanceLister enumerates the instances of a series. It returns found ==
// false for unknown series.
type InstanceLister interface {
	ListInstances(ctx context.Context, patientID, studyID, seriesID string) (SeriesInstances, bool, error)
}

// WADOResolver builds wadouri references to instance data served by the
// PACS gateway at BaseURL.
type WADOResolver struct {
	BaseURL string
	Lister  InstanceLister
}

// InstanceReference returns the wadouri reference of one instance.
func InstanceReference(baseURL, instanceID string) models.ImageReference {
	return models.ImageReference{
		Protocol: "wadouri",
		Path:     strings.TrimRight(baseURL, "/") + "/api/pacs/dicom-instance-data/" + url.PathEscape(instanceID) + "/",
	}
}

// ResolveSeries implements Resolver.
func (r *WADOResolver) ResolveSeries(ctx context.Context, patientID, studyID, seriesID string) (models.SeriesRefs, error) {
	inst, found, err := r.Lister.ListInstances(ctx, patientID, studyID, seriesID)
	if err != nil {
		return models.SeriesRefs{}, fmt.Errorf("listing instances of series %q: %w", seriesID, err)
	}
	if !found {
		return models.SeriesRefs{}, notFound(patientID, studyID, seriesID)
	}

	refs := models.SeriesRefs{SeriesID: seriesID, ImageType: inst.ImageType}
	refs.Base = make(models.Stack, len(inst.InstanceIDs))
	for i, id := range inst.InstanceIDs {
		refs.Base[i] = InstanceReference(r.BaseURL, id)
	}
	if len(inst.MaskInstanceIDs) > 0 {
		refs.Mask = make(models.MaskStack, len(inst.MaskInstanceIDs))
		for i, id := range inst.MaskInstanceIDs {
			refs.Mask[i] = InstanceReference(r.BaseURL, id)
		}
	}
	return refs, nil
}

// ViewerImagesResolver asks the PACS gateway for the ready-made image ids of
// a series (GET <BaseURL>/api/pacs/viewer-images/<study>/<series>/, a JSON
// array of "wadouri:..." strings).
type ViewerImagesResolver struct {
	BaseURL string
	Client  *http.Client

	// ImageType is reported for every series; the endpoint does not carry it
	ImageType string
}

// ResolveSeries implements Resolver.
func (r *ViewerImagesResolver) ResolveSeries(ctx context.Context, patientID, studyID, seriesID string) (models.SeriesRefs, error) {
	u := strings.TrimRight(r.BaseURL, "/") + "/api/pacs/viewer-images/" + url.PathEscape(studyID) + "/" + url.PathEscape(seriesID) + "/"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return models.SeriesRefs{}, err
	}
	req.Header.Set("Accept", "application/json")

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return models.SeriesRefs{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return models.SeriesRefs{}, notFound(patientID, studyID, seriesID)
	default:
		io.Copy(io.Discard, resp.Body)
		return models.SeriesRefs{}, fmt.Errorf("GET %s: unexpected status %s", u, resp.Status)
	}

	var ids []string
	if err := json.NewDecoder(resp.Body).Decode(&ids); err != nil {
		return models.SeriesRefs{}, fmt.Errorf("decoding image ids of series %q: %w", seriesID, err)
	}
	base, err := models.ParseStack(ids)
	if err != nil {
		return models.SeriesRefs{}, &errdefs.Error{Kind: errdefs.InvalidReference, Op: "resolveSeries", Err: err}
	}
	return models.SeriesRefs{SeriesID: seriesID, ImageType: r.ImageType, Base: base}, nil
}
