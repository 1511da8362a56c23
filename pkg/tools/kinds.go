package tools

import "fmt"

// ToolKind is the closed set of interaction tools.
type ToolKind int

const (
	Pan ToolKind = iota + 1
	Zoom
	WindowLevel
	Length
	RectangleROI
	SegmentationDisplay
	StackScroll
)

// AllTools lists every tool kind.
var AllTools = []ToolKind{Pan, Zoom, WindowLevel, Length, RectangleROI, SegmentationDisplay, StackScroll}

var toolNames = map[ToolKind]string{
	Pan:                 "pan",
	Zoom:                "zoom",
	WindowLevel:         "window-level",
	Length:              "length",
	RectangleROI:        "rectangular-region",
	SegmentationDisplay: "segmentation-display",
	StackScroll:         "stack-scroll",
}

func (k ToolKind) String() string {
	if n, ok := toolNames[k]; ok {
		return n
	}
	return fmt.Sprintf("ToolKind(%d)", int(k))
}

// Valid reports whether k is one of the declared kinds.
func (k ToolKind) Valid() bool {
	_, ok := toolNames[k]
	return ok
}

// ParseToolKind maps a configuration name to a ToolKind.
func ParseToolKind(name string) (ToolKind, error) {
	for k, n := range toolNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown tool %q", name)
}

// Channel is a pointer input channel.
type Channel int

const (
	Primary Channel = iota + 1
	Secondary
	Auxiliary
	Wheel
)

var channelNames = map[Channel]string{
	Primary:   "primary",
	Secondary: "secondary",
	Auxiliary: "auxiliary",
	Wheel:     "wheel",
}

func (c Channel) String() string {
	if n, ok := channelNames[c]; ok {
		return n
	}
	return fmt.Sprintf("Channel(%d)", int(c))
}

// Valid reports whether c is one of the declared channels.
func (c Channel) Valid() bool {
	_, ok := channelNames[c]
	return ok
}

// ParseChannel maps a configuration name to a Channel.
func ParseChannel(name string) (Channel, error) {
	for c, n := range channelNames {
		if n == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown channel %q", name)
}

// Mode is the activation state of a tool inside a group.
type Mode int

const (
	// Passive tools are added but neither bound nor drawn as enabled
	Passive Mode = iota
	// Active tools are bound to a channel and receive its events
	Active
	// Enabled tools render but receive no pointer events
	Enabled
	// Disabled tools do nothing
	Disabled
)

func (m Mode) String() string {
	switch m {
	case Passive:
		return "passive"
	case Active:
		return "active"
	case Enabled:
		return "enabled"
	case Disabled:
		return "disabled"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}
