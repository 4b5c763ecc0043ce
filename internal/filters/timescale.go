package filters

// Timescale decouples input and output sample counts via a single
// resampling stage. The three parameters collapse into one consumption
// ratio:
//
//	effective = rate * speed / pitch
//
// ratio > 1 consumes input faster than real time (speeds playback up and
// raises pitch); ratio < 1 slows it down and lowers pitch. There is no
// time-stretch stage, so every parameter changes duration and pitch
// together: speed does not hold pitch, and pitch does not hold duration
// (pitch > 1 lowers the ratio, giving a slower, lower-pitched result).
type Timescale struct {
	rate, speed, pitch float64

	in       []float64 // raw interleaved input awaiting resampling
	out      []int16   // resampled output awaiting FillFrame
	readHead float64   // fractional read position into in, per channel pair
}

// NewTimescale returns an identity Timescale (rate=speed=pitch=1.0).
func NewTimescale() *Timescale {
	return &Timescale{rate: 1, speed: 1, pitch: 1}
}

// SetRate sets the rate parameter (must be positive).
func (ts *Timescale) SetRate(rate float64) {
	if rate > 0 {
		ts.rate = rate
	}
}

// SetSpeed sets the speed parameter (must be positive).
func (ts *Timescale) SetSpeed(speed float64) {
	if speed > 0 {
		ts.speed = speed
	}
}

// SetPitch sets the pitch parameter (must be positive).
func (ts *Timescale) SetPitch(pitch float64) {
	if pitch > 0 {
		ts.pitch = pitch
	}
}

// IsActive reports whether this stage resamples at all.
func (ts *Timescale) IsActive() bool {
	return ts.ratio() != 1.0
}

func (ts *Timescale) ratio() float64 {
	return ts.rate * ts.speed / ts.pitch
}

// Process appends pcm to the pending input queue and drains as much
// resampled output as is currently available. It does not itself emit a
// frame; call FillFrame to drain output once enough has accumulated.
func (ts *Timescale) Process(pcm []int16) {
	for _, s := range pcm {
		ts.in = append(ts.in, float64(s))
	}
	ts.resample()
}

// resample consumes as much of ts.in as possible given the current
// fractional read head, appending produced samples to ts.out. Operates
// per-stereo-pair to keep channels in lockstep.
func (ts *Timescale) resample() {
	ratio := ts.ratio()
	if ratio <= 0 {
		return
	}
	framesAvailable := len(ts.in) / Channels

	for {
		idx0 := int(ts.readHead)
		idx1 := idx0 + 1
		if idx1 >= framesAvailable {
			break
		}
		frac := ts.readHead - float64(idx0)
		for ch := 0; ch < Channels; ch++ {
			a := ts.in[idx0*Channels+ch]
			b := ts.in[idx1*Channels+ch]
			v := a*(1-frac) + b*frac
			ts.out = append(ts.out, clampInt16(v))
		}
		ts.readHead += ratio
	}

	// Drop fully-consumed leading input, keeping the fractional head valid.
	consumedFrames := int(ts.readHead)
	if consumedFrames > 0 && consumedFrames*Channels <= len(ts.in) {
		ts.in = append([]float64(nil), ts.in[consumedFrames*Channels:]...)
		ts.readHead -= float64(consumedFrames)
	}
}

// FillFrame pops exactly FrameLength resampled samples into out, returning
// true only when a full output frame is available. The speak loop must
// skip encoding when this returns false.
func (ts *Timescale) FillFrame(out []int16) bool {
	if len(ts.out) < FrameLength {
		return false
	}
	copy(out, ts.out[:FrameLength])
	ts.out = append([]int16(nil), ts.out[FrameLength:]...)
	return true
}

// Reset discards all pending input/output state.
func (ts *Timescale) Reset() {
	ts.in = nil
	ts.out = nil
	ts.readHead = 0
}
