package threed

import (
	"errors"
	"image"
	"image/draw"
	"image/png"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BaSui01/digigami/types"
)

// View names a slot of a MultiViewInput.
type View string

const (
	ViewFront             View = "front"
	ViewSide              View = "side"
	ViewBack              View = "back"
	ViewFrontThreeQuarter View = "front_3quarter"
	ViewBackThreeQuarter  View = "back_3quarter"
)

// viewPattern lists the file suffixes tried for one view, first match wins.
type viewPattern struct {
	view     View
	suffixes []string
	primary  bool
}

var defaultPatterns = []viewPattern{
	{ViewFront, []string{"-front.png", "-front-apple.png", "-default.png"}, true},
	{ViewSide, []string{"-side.png", "-side-2.png"}, true},
	{ViewBack, []string{"-back.png", "-back-apple.png", "-back-apple-2.png"}, true},
	{ViewFrontThreeQuarter, []string{"-front-3quarter.png"}, false},
	{ViewBackThreeQuarter, []string{"-back-3quarter.png"}, false},
}

// PoseSet records which pose file resolved each view.
type PoseSet struct {
	Character string
	Dir       string
	Paths     map[View]string
}

// ViewCount counts resolved front/side/back views.
func (p *PoseSet) ViewCount() int {
	if p == nil {
		return 0
	}
	n := 0
	for _, v := range []View{ViewFront, ViewSide, ViewBack} {
		if _, ok := p.Paths[v]; ok {
			n++
		}
	}
	return n
}

// Views lists the resolved view names in canonical order.
func (p *PoseSet) Views() []string {
	var out []string
	for _, pat := range defaultPatterns {
		if _, ok := p.Paths[pat.view]; ok {
			out = append(out, string(pat.view))
		}
	}
	return out
}

// Assembler builds a MultiViewInput from a directory of named pose files.
type Assembler struct {
	patterns []viewPattern
}

// NewAssembler returns an assembler using the standard pose naming scheme.
func NewAssembler() *Assembler {
	return &Assembler{patterns: defaultPatterns}
}

// Assemble resolves and decodes the pose files for character name in dir. It
// fails with a VALIDATION error when fewer than MinMultiviewViews primary views
// exist, before anything is decoded.
func (a *Assembler) Assemble(dir, name string) (*MultiViewInput, *PoseSet, error) {
	if strings.TrimSpace(name) == "" {
		return nil, nil, types.NewError(types.ErrValidation, "character name is required")
	}
	if strings.ContainsAny(name, `/\`) {
		return nil, nil, types.Errorf(types.ErrValidation, "invalid character name %q", name)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, nil, types.Errorf(types.ErrValidation, "poses directory %q not found", dir)
	}

	set := &PoseSet{Character: name, Dir: dir, Paths: make(map[View]string)}
	var tried []string
	for _, pat := range a.patterns {
		for _, suffix := range pat.suffixes {
			file := name + suffix
			if pat.primary {
				tried = append(tried, file)
			}
			path := filepath.Join(dir, file)
			if st, err := os.Stat(path); err == nil && st.Mode().IsRegular() {
				set.Paths[pat.view] = path
				break
			}
		}
	}

	if n := set.ViewCount(); n < MinMultiviewViews {
		return nil, set, types.Errorf(types.ErrValidation,
			"need at least %d views of front/side/back for %q, found %d (tried %s)",
			MinMultiviewViews, name, n, strings.Join(tried, ", "))
	}

	input := &MultiViewInput{}
	slots := map[View]*image.Image{
		ViewFront:             &input.Front,
		ViewSide:              &input.Side,
		ViewBack:              &input.Back,
		ViewFrontThreeQuarter: &input.FrontThreeQuarter,
		ViewBackThreeQuarter:  &input.BackThreeQuarter,
	}
	for view, path := range set.Paths {
		img, err := LoadPNG(path)
		if err != nil {
			return nil, set, err
		}
		*slots[view] = img
	}
	return input, set, nil
}

// LoadPNG decodes a PNG file and converts it to RGBA.
func LoadPNG(path string) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, types.Errorf(types.ErrValidation, "image %s not found", path)
		}
		return nil, types.Errorf(types.ErrValidation, "failed to open image %s", path).WithCause(err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return nil, types.Errorf(types.ErrValidation, "failed to decode %s", path).WithCause(err)
	}
	return ToRGBA(img), nil
}

// ToRGBA converts img to *image.RGBA, returning it unchanged if it already is one.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

func (v View) String() string { return string(v) }
