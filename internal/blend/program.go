package blend

import (
	"image"

	"github.com/smazurov/hwcomposer/internal/composition"
)

// coverEpsilon stops the front-to-back walk once what remains below cannot
// change an 8-bit channel.
const coverEpsilon = 0.5 / 255

// input is one layer sampled into region space.
type input struct {
	pix      *image.RGBA
	blending composition.Blending
	alpha    float32
}

// program blends a fixed number of inputs, topmost first.
type program struct {
	n      int
	inputs []input
}

func newProgram(n int) *program {
	return &program{n: n, inputs: make([]input, 0, n)}
}

func (p *program) reset() {
	p.inputs = p.inputs[:0]
}

func (p *program) add(in input) {
	p.inputs = append(p.inputs, in)
}

// pixel returns the premultiplied 8-bit result at offset i of every input.
func (p *program) pixel(i int) (r, g, b, a uint8) {
	var cr, cg, cb float32
	cover := float32(1)
	for _, in := range p.inputs {
		s := in.pix.Pix[i : i+4 : i+4]
		sr, sg, sb := float32(s[0])/255, float32(s[1])/255, float32(s[2])/255
		sa := float32(s[3]) / 255
		switch in.blending {
		case composition.BlendNone:
			sa = 1
		case composition.BlendCoverage:
			sr, sg, sb = sr*sa, sg*sa, sb*sa
		}
		w := in.alpha * cover
		cr += sr * w
		cg += sg * w
		cb += sb * w
		cover *= 1 - sa*in.alpha
		if cover <= coverEpsilon {
			cover = 0
			break
		}
	}
	return unit8(cr), unit8(cg), unit8(cb), unit8(1 - cover)
}

func unit8(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	}
	return uint8(v*255 + 0.5)
}
