// Package models defines the shared data structures of the Kestrel runtime:
// message components and chains, inbound events, event results, provider
// request/response shapes, and conversation records. The core pipeline,
// platform adapters, and plugins all build on these types.
package models

import "strings"

// ComponentType identifies a message component variant.
type ComponentType string

const (
	ComponentPlain  ComponentType = "plain"
	ComponentImage  ComponentType = "image"
	ComponentAt     ComponentType = "at"
	ComponentAtAll  ComponentType = "at_all"
	ComponentFace   ComponentType = "face"
	ComponentRecord ComponentType = "record"
	ComponentVideo  ComponentType = "video"
	ComponentFile   ComponentType = "file"
	ComponentReply  ComponentType = "reply"
	ComponentNode   ComponentType = "node"
	ComponentNodes  ComponentType = "nodes"
	ComponentRaw    ComponentType = "raw"
)

// Component is one element of a message chain.
//
// Empty reports whether the component carries nothing sendable; the respond
// stage drops chains whose every component is empty. Variants without a
// meaningful emptiness notion (at-all, face) always report false.
type Component interface {
	Type() ComponentType
	Empty() bool
}

// Plain is a text segment.
type Plain struct {
	Text string
}

func (Plain) Type() ComponentType { return ComponentPlain }
func (p Plain) Empty() bool       { return strings.TrimSpace(p.Text) == "" }

// Image references picture content by exactly one of URL, local path, or
// inline base64 payload.
type Image struct {
	URL    string
	Path   string
	Base64 string
}

func (Image) Type() ComponentType { return ComponentImage }
func (i Image) Empty() bool       { return i.URL == "" && i.Path == "" && i.Base64 == "" }

// ImageFromURL builds an image component from a remote source.
func ImageFromURL(url string) Image { return Image{URL: url} }

// ImageFromPath builds an image component from a local file.
func ImageFromPath(path string) Image { return Image{Path: path} }

// ImageFromBase64 builds an image component from an inline payload.
func ImageFromBase64(data string) Image { return Image{Base64: data} }

// At mentions a single member by id and/or display name.
type At struct {
	ID   string
	Name string
}

func (At) Type() ComponentType { return ComponentAt }
func (a At) Empty() bool       { return a.ID == "" && a.Name == "" }

// AtAll mentions every member of a group.
type AtAll struct{}

func (AtAll) Type() ComponentType { return ComponentAtAll }
func (AtAll) Empty() bool         { return false }

// Face is a platform sticker/emoji referenced by numeric id.
type Face struct {
	ID int
}

func (Face) Type() ComponentType { return ComponentFace }
func (Face) Empty() bool         { return false }

// Record is a voice clip.
type Record struct {
	URL  string
	Path string
}

func (Record) Type() ComponentType { return ComponentRecord }
func (r Record) Empty() bool       { return r.URL == "" && r.Path == "" }

// Video is a video clip.
type Video struct {
	URL  string
	Path string
}

func (Video) Type() ComponentType { return ComponentVideo }
func (v Video) Empty() bool       { return v.URL == "" && v.Path == "" }

// File is an attached document.
type File struct {
	Name string
	URL  string
	Path string
}

func (File) Type() ComponentType { return ComponentFile }
func (f File) Empty() bool       { return f.URL == "" && f.Path == "" }

// Reply quotes an earlier message. ID is the platform message id of the
// quoted message; Chain is its content when the platform supplies it.
type Reply struct {
	ID         string
	SenderID   string
	SenderName string
	Time       int64
	Text       string
	Chain      []Component
}

func (Reply) Type() ComponentType { return ComponentReply }
func (r Reply) Empty() bool       { return r.ID == "" || r.SenderID == "" }

// Node is one forwarded message inside a Nodes container.
type Node struct {
	Name    string
	UIN     string
	Content []Component
}

func (Node) Type() ComponentType { return ComponentNode }
func (n Node) Empty() bool       { return len(n.Content) == 0 }

// Nodes is an ordered container of forwarded messages.
type Nodes struct {
	Items []Node
}

func (Nodes) Type() ComponentType { return ComponentNodes }
func (n Nodes) Empty() bool       { return len(n.Items) == 0 }

// Raw carries a platform-specific payload the core does not interpret.
type Raw struct {
	Kind string
	Data map[string]any
}

func (Raw) Type() ComponentType { return ComponentRaw }
func (r Raw) Empty() bool       { return len(r.Data) == 0 }
