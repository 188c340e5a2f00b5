package deepzoom

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"

	"wsitiler/internal/fsutil"
)

// Namespace is the XML namespace of Deep Zoom descriptors
const Namespace = "http://schemas.microsoft.com/deepzoom/2008"

// Descriptor is the content of a .dzi file
type Descriptor struct {
	XMLName  xml.Name `xml:"http://schemas.microsoft.com/deepzoom/2008 Image"`
	Format   string   `xml:"Format,attr"`
	Overlap  int      `xml:"Overlap,attr"`
	TileSize int      `xml:"TileSize,attr"`
	Size     Size     `xml:"Size"`
}

// Size holds the full resolution dimensions of a Deep Zoom image
type Size struct {
	Width  int `xml:"Width,attr"`
	Height int `xml:"Height,attr"`
}

// Descriptor returns the descriptor of the pyramid for tiles stored in format
func (g *Generator) Descriptor(format string) Descriptor {
	dims := g.Dimensions()
	return Descriptor{
		Format:   format,
		Overlap:  g.overlap,
		TileSize: g.tileSize,
		Size:     Size{Width: dims.X, Height: dims.Y},
	}
}

// DZI renders the XML descriptor of the pyramid for tiles stored in format
func (g *Generator) DZI(format string) ([]byte, error) {
	d := g.Descriptor(format)
	return d.MarshalIndent()
}

// MarshalIndent renders d as an indented XML document with declaration
func (d Descriptor) MarshalIndent() ([]byte, error) {
	body, err := xml.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode descriptor: %w", err)
	}
	out := make([]byte, 0, len(xml.Header)+len(body)+1)
	out = append(out, xml.Header...)
	out = append(out, body...)
	out = append(out, '\n')
	return out, nil
}

// ParseDescriptor decodes a .dzi document
func ParseDescriptor(r io.Reader) (Descriptor, error) {
	var d Descriptor
	if err := xml.NewDecoder(r).Decode(&d); err != nil {
		return Descriptor{}, fmt.Errorf("failed to decode descriptor: %w", err)
	}
	if d.XMLName.Space != Namespace {
		return Descriptor{}, fmt.Errorf("unexpected descriptor namespace %q", d.XMLName.Space)
	}
	return d, nil
}

// ReadDescriptor reads and decodes the .dzi file at path
func ReadDescriptor(path string) (Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("failed to open descriptor: %w", err)
	}
	defer f.Close()
	return ParseDescriptor(f)
}

// WriteDescriptor atomically writes data to path, replacing any existing file
func WriteDescriptor(path string, data []byte) error {
	err := fsutil.WriteFileAtomic(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to write descriptor %s: %w", path, err)
	}
	return nil
}
