package field

import (
	"fmt"
	"image"
	"image/color"
	_ "image/png"
	"os"
	"path/filepath"

	"github.com/paulmach/orb"
	"gopkg.in/yaml.v3"
)

// MapMeta is occupancy map metadata in the map_server YAML format.
type MapMeta struct {
	// Image is path to the map image, relative to the metadata file
	Image string `yaml:"image"`
	// Resolution is the size of a pixel in meters
	Resolution float64 `yaml:"resolution"`
	// Origin is the map frame pose [x, y, yaw] of the bottom left pixel
	Origin []float64 `yaml:"origin"`
	// Negate inverts the meaning of pixel brightness
	Negate int `yaml:"negate"`
	// OccupiedThresh is the probability above which a pixel is occupied
	OccupiedThresh float64 `yaml:"occupied_thresh"`
	// FreeThresh is the probability below which a pixel is free
	FreeThresh float64 `yaml:"free_thresh"`
}

// Load loads the occupancy map described by the YAML metadata file at path.
// Only PNG images are supported. Map yaw is ignored.
// It returns error if the metadata or image can't be read or are invalid.
func Load(path string) (*Grid, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading map metadata: %w", err)
	}

	var meta MapMeta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parsing map metadata: %w", err)
	}

	if meta.Image == "" {
		return nil, fmt.Errorf("map image is required")
	}

	if len(meta.Origin) < 2 {
		return nil, fmt.Errorf("invalid map origin: %v", meta.Origin)
	}

	imgPath := meta.Image
	if !filepath.IsAbs(imgPath) {
		imgPath = filepath.Join(filepath.Dir(path), imgPath)
	}

	f, err := os.Open(imgPath)
	if err != nil {
		return nil, fmt.Errorf("opening map image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding map image: %w", err)
	}

	return FromImage(img, meta)
}

// FromImage creates a grid from map image img described by meta.
func FromImage(img image.Image, meta MapMeta) (*Grid, error) {
	if meta.OccupiedThresh == 0 && meta.FreeThresh == 0 {
		meta.OccupiedThresh, meta.FreeThresh = 0.65, 0.196
	}

	if meta.FreeThresh > meta.OccupiedThresh {
		return nil, fmt.Errorf("free threshold %v above occupied threshold %v", meta.FreeThresh, meta.OccupiedThresh)
	}

	if len(meta.Origin) < 2 {
		return nil, fmt.Errorf("invalid map origin: %v", meta.Origin)
	}

	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	cells := make([]Cell, width*height)

	for py := b.Min.Y; py < b.Max.Y; py++ {
		// image rows go top down, grid rows bottom up
		j := height - 1 - (py - b.Min.Y)
		for px := b.Min.X; px < b.Max.X; px++ {
			i := px - b.Min.X
			v := float64(color.GrayModel.Convert(img.At(px, py)).(color.Gray).Y) / 255
			occ := 1 - v
			if meta.Negate != 0 {
				occ = v
			}

			c := Unknown
			switch {
			case occ > meta.OccupiedThresh:
				c = Occupied
			case occ < meta.FreeThresh:
				c = Free
			}
			cells[j*width+i] = c
		}
	}

	return New(width, height, meta.Resolution, orb.Point{meta.Origin[0], meta.Origin[1]}, cells)
}
