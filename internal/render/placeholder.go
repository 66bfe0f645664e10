package render

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"image/color"
	"os"
	"strings"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"

	"github.com/loomstudio/loom-backend/internal/logger"
)

// PlaceholderService draws the flat frame shown on a canvas node while its
// asset is uploading or generating: node title over a color derived from the
// node id, so every node keeps a stable look across refreshes.
type PlaceholderService interface {
	RenderPNG(title string, seed string, width, height int) ([]byte, error)
}

type placeholderService struct {
	log      *logger.Logger
	fontFace font.Face
}

func NewPlaceholderService(log *logger.Logger) (PlaceholderService, error) {
	serviceLog := log.With("service", "PlaceholderService")

	var face font.Face
	fontPath := strings.TrimSpace(os.Getenv("PLACEHOLDER_FONT"))
	if fontPath != "" {
		f, err := loadFontFace(fontPath, 42)
		if err != nil {
			return nil, fmt.Errorf("could not load placeholder font: %w", err)
		}
		face = f
	}

	return &placeholderService{log: serviceLog, fontFace: face}, nil
}

func (ps *placeholderService) RenderPNG(title string, seed string, width, height int) ([]byte, error) {
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 360
	}
	dc := gg.NewContext(width, height)

	bg := colorFromSeed(seed)
	dc.SetColor(bg)
	dc.Clear()

	// darker band behind the label
	dc.SetRGBA(0, 0, 0, 0.35)
	dc.DrawRectangle(0, float64(height)*0.4, float64(width), float64(height)*0.2)
	dc.Fill()

	dc.SetRGB(1, 1, 1)
	if ps.fontFace != nil {
		dc.SetFontFace(ps.fontFace)
	}
	label := strings.TrimSpace(title)
	if label == "" {
		label = "untitled"
	}
	dc.DrawStringAnchored(label, float64(width)/2, float64(height)/2, 0.5, 0.5)

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("encode placeholder png: %w", err)
	}
	return buf.Bytes(), nil
}

func colorFromSeed(seed string) color.Color {
	h := fnv.New32a()
	_, _ = h.Write([]byte(seed))
	v := h.Sum32()
	r := 0.25 + 0.5*float64((v>>16)&0xff)/255.0
	g := 0.25 + 0.5*float64((v>>8)&0xff)/255.0
	b := 0.25 + 0.5*float64(v&0xff)/255.0
	return color.RGBA{R: uint8(r * 255), G: uint8(g * 255), B: uint8(b * 255), A: 255}
}

func loadFontFace(fontPath string, size float64) (font.Face, error) {
	fontBytes, err := os.ReadFile(fontPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read font file: %w", err)
	}
	parsedFont, err := truetype.Parse(fontBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse font file: %w", err)
	}
	face := truetype.NewFace(parsedFont, &truetype.Options{
		Size:    size,
		Hinting: font.HintingNone,
	})
	return face, nil
}
