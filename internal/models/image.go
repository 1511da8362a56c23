package models

import (
	"fmt"
	"strings"
)

// ImageReference is an opaque handle to one 2D image frame that an image
// loader can resolve. It is immutable once parsed.
type ImageReference struct {
	// Protocol selects the loader, e.g. "wadouri" or "file"
	Protocol string

	// Path is everything after the protocol separator
	Path string
}

// ParseImageReference splits "protocol:path" into an ImageReference.
func ParseImageReference(s string) (ImageReference, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ImageReference{}, fmt.Errorf("empty image reference")
	}
	proto, path, ok := strings.Cut(s, ":")
	if !ok {
		return ImageReference{}, fmt.Errorf("image reference %q has no protocol", s)
	}
	ref := ImageReference{Protocol: proto, Path: path}
	if err := ref.Validate(); err != nil {
		return ImageReference{}, err
	}
	return ref, nil
}

// MustParseImageReference is ParseImageReference for literals known to be valid.
func MustParseImageReference(s string) ImageReference {
	ref, err := ParseImageReference(s)
	if err != nil {
		panic(err)
	}
	return ref
}

// Validate reports whether the reference is well formed.
func (r ImageReference) Validate() error {
	if r.Protocol == "" {
		return fmt.Errorf("image reference %q has an empty protocol", r.String())
	}
	if strings.ContainsAny(r.Protocol, " /\\") {
		return fmt.Errorf("image reference protocol %q is malformed", r.Protocol)
	}
	if r.Path == "" {
		return fmt.Errorf("image reference %q has an empty path", r.String())
	}
	return nil
}

// String returns the canonical "protocol:path" form.
func (r ImageReference) String() string {
	return r.Protocol + ":" + r.Path
}

// IsZero reports whether the reference is unset.
func (r ImageReference) IsZero() bool {
	return r.Protocol == "" && r.Path == ""
}

// Stack is an ordered sequence of image references, one per acquired slice.
// A viewport replaces its stack wholesale; the slice passed in is copied.
type Stack []ImageReference

// MaskStack is a stack of labelmap frames that must correspond index by index
// with the base Stack it overlays.
type MaskStack []ImageReference

// Len returns the number of frames.
func (s Stack) Len() int { return len(s) }

// Clone returns an independent copy of the stack.
func (s Stack) Clone() Stack {
	if s == nil {
		return nil
	}
	out := make(Stack, len(s))
	copy(out, s)
	return out
}

// Len returns the number of frames.
func (m MaskStack) Len() int { return len(m) }

// Clone returns an independent copy of the mask stack.
func (m MaskStack) Clone() MaskStack {
	if m == nil {
		return nil
	}
	out := make(MaskStack, len(m))
	copy(out, m)
	return out
}

// ParseStack parses a list of "protocol:path" strings into a Stack.
func ParseStack(ids []string) (Stack, error) {
	stack := make(Stack, 0, len(ids))
	for i, id := range ids {
		ref, err := ParseImageReference(id)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		stack = append(stack, ref)
	}
	return stack, nil
}

// SeriesRefs is the result of resolving a (study, series) selection.
type SeriesRefs struct {
	// SeriesID identifies the series; viewer resource ids are derived from it
	SeriesID string

	// ImageType is the modality label of the series, e.g. "FLAIR" or "SEG"
	ImageType string

	// Base is the navigable image stack
	Base Stack

	// Mask is the optional labelmap stack aligned with Base
	Mask MaskStack
}

// HasMask reports whether a mask stack was supplied.
func (s SeriesRefs) HasMask() bool {
	return len(s.Mask) > 0
}
