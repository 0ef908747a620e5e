package audio

// UpstreamSampleRate is the rate the server decodes incoming frames at.
// Capture devices that run at a different rate are resampled to it.
const UpstreamSampleRate = 48000

// Resampler converts a mono sample stream between rates by linear
// interpolation. State carries across calls, so consecutive blocks form one
// continuous stream.
type Resampler struct {
	step   float64 // source samples per output sample
	pos    float64 // fractional read position into the next block
	last   float32
	primed bool
}

// NewResampler builds a converter from srcRate to dstRate.
func NewResampler(srcRate, dstRate int) *Resampler {
	return &Resampler{step: float64(srcRate) / float64(dstRate)}
}

// Process converts one block. The returned slice is freshly allocated; the
// input is not retained. Small blocks may yield no output until enough
// source samples have accumulated.
func (r *Resampler) Process(in []float32) []float32 {
	if len(in) == 0 {
		return nil
	}
	if r.step == 1 {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}

	buf := in
	if r.primed {
		// The previous block's final sample anchors interpolation across
		// the block boundary.
		buf = make([]float32, 0, len(in)+1)
		buf = append(buf, r.last)
		buf = append(buf, in...)
	}

	out := make([]float32, 0, int(float64(len(in))/r.step)+2)
	pos := r.pos
	for {
		i := int(pos)
		if i+1 >= len(buf) {
			break
		}
		frac := float32(pos - float64(i))
		out = append(out, buf[i]+frac*(buf[i+1]-buf[i]))
		pos += r.step
	}

	r.pos = pos - float64(len(buf)-1)
	r.last = buf[len(buf)-1]
	r.primed = true
	return out
}
