package viewer

import (
	"context"
	"errors"
	"fmt"

	"mriviewer/internal/models"
	"mriviewer/pkg/config"
	"mriviewer/pkg/errdefs"
	"mriviewer/pkg/render"
	"mriviewer/pkg/segmentation"
	"mriviewer/pkg/tools"
)

// Each setup step consumes the token of the step before it, so a step can
// only run once its predecessors succeeded.

type surfaceToken struct {
	handles render.Handles
	vp      *render.Viewport
}

type toolsToken struct {
	surfaceToken
	group *tools.Group
}

type stackToken struct {
	toolsToken
}

type overlayToken struct {
	stackToken
	overlay *segmentation.Overlay
}

// binding is one configured channel assignment
type binding struct {
	tool    tools.ToolKind
	channel tools.Channel
}

// toolLayout converts the tools section of the configuration.
func toolLayout(cfg *config.Config) ([]binding, []tools.ToolKind, error) {
	var bindings []binding
	for _, b := range cfg.Tools.Bindings {
		k, err := tools.ParseToolKind(b.Tool)
		if err != nil {
			return nil, nil, err
		}
		ch, err := tools.ParseChannel(b.Channel)
		if err != nil {
			return nil, nil, err
		}
		bindings = append(bindings, binding{tool: k, channel: ch})
	}
	var passive []tools.ToolKind
	for _, name := range cfg.Tools.Passive {
		k, err := tools.ParseToolKind(name)
		if err != nil {
			return nil, nil, err
		}
		passive = append(passive, k)
	}
	return bindings, passive, nil
}

func (c *Controller) createSurface(ctx context.Context, a *attempt) (surfaceToken, error) {
	h, err := c.platform.Engines.Create(c.surface, render.CreateOptions{
		EngineID:   a.ids.engine,
		ViewportID: a.ids.viewport,
		Background: c.platform.Config.Viewport.Background,
	})
	if err != nil {
		return surfaceToken{}, err
	}
	a.own(func(r *resources) { r.engineID = h.EngineID; r.viewportID = h.ViewportID })

	vp, err := c.platform.Engines.Viewport(h.EngineID, h.ViewportID)
	if err != nil {
		return surfaceToken{}, err
	}
	return surfaceToken{handles: h, vp: vp}, nil
}

func (c *Controller) createTools(ctx context.Context, a *attempt, s surfaceToken) (toolsToken, error) {
	g, err := c.platform.Tools.CreateGroup(a.ids.group)
	if err != nil {
		return toolsToken{}, err
	}
	a.own(func(r *resources) { r.groupID = g.ID() })

	for _, k := range c.passive {
		if err := g.AddTool(k); err != nil {
			return toolsToken{}, err
		}
	}
	for _, b := range c.bindings {
		if err := g.AddTool(b.tool); err != nil {
			return toolsToken{}, err
		}
		if err := g.BindExclusive(b.tool, b.channel); err != nil {
			return toolsToken{}, err
		}
	}
	if m, ok := g.Mode(tools.SegmentationDisplay); ok && m == tools.Passive {
		if err := g.SetToolEnabled(tools.SegmentationDisplay, true); err != nil {
			return toolsToken{}, err
		}
	}
	if err := g.AttachViewport(s.handles.ViewportID, s.handles.EngineID); err != nil {
		return toolsToken{}, err
	}
	return toolsToken{surfaceToken: s, group: g}, nil
}

func (c *Controller) loadStack(ctx context.Context, a *attempt, t toolsToken, refs models.SeriesRefs) (stackToken, error) {
	a.own(func(r *resources) { r.prefetchViewport = t.handles.ViewportID })
	if err := c.platform.Stacks.SetStack(ctx, t.vp, refs.Base, refs.ImageType); err != nil {
		return stackToken{}, err
	}
	if err := t.vp.Render(ctx); err != nil {
		return stackToken{}, fmt.Errorf("failed to render first frame: %w", err)
	}
	return stackToken{toolsToken: t}, nil
}

func (c *Controller) addOverlay(ctx context.Context, a *attempt, s stackToken, mask models.MaskStack) (overlayToken, error) {
	ov, err := c.platform.Overlays.AddOverlay(ctx, s.group.ID(), a.ids.segmentation, mask)
	if err != nil {
		return overlayToken{}, err
	}
	a.own(func(r *resources) { r.segmentationID = ov.ID() })
	if err := s.vp.Render(ctx); err != nil {
		return overlayToken{}, fmt.Errorf("failed to render overlay: %w", err)
	}
	return overlayToken{stackToken: s, overlay: ov}, nil
}

// release frees what an attempt allocated, newest first: prefetch, overlay,
// tool group, engine. Every step runs even when an earlier one fails.
func (c *Controller) release(a *attempt) error {
	r := a.take()
	var errs []error

	if r.prefetchViewport != "" {
		c.platform.Stacks.Cancel(r.prefetchViewport)
	}
	if r.segmentationID != "" && r.groupID != "" {
		c.platform.Overlays.RemoveOverlay(r.groupID, r.segmentationID)
	}
	if r.groupID != "" {
		c.platform.Tools.DestroyGroup(r.groupID)
	}
	if r.engineID != "" {
		if err := c.platform.Engines.Destroy(r.engineID); err != nil {
			errs = append(errs, fmt.Errorf("destroy engine %s: %w", r.engineID, err))
		}
	}

	for _, err := range errs {
		c.platform.Metrics.TeardownError()
		c.logf("teardown: %v", err)
	}
	return errors.Join(errs...)
}

// classify maps a setup failure to the status shown to the host.
func classify(step Step, err error) Status {
	return Status{
		State:        Error,
		ErrorKind:    errdefs.KindOf(err),
		ErrorMessage: fmt.Sprintf("%s: %v", step, err),
	}
}
