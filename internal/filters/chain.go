package filters

// Chain is the full per-track filter pipeline, applied in a fixed order:
// volume, equalizer, karaoke, tremolo, vibrato, distortion, rotation,
// channel mix, low-pass, and finally timescale (which, uniquely, changes
// the sample count). Callers external to this package hold a lock around
// the Chain value itself — it has no internal mutex, matching the "lock
// released before encode" contract.
type Chain struct {
	Volume     *Volume
	Equalizer  *Equalizer
	Karaoke    *Karaoke
	Tremolo    *Tremolo
	Vibrato    *Vibrato
	Distortion *Distortion
	Rotation   *Rotation
	ChannelMix *ChannelMix
	LowPass    *LowPass
	Timescale  *Timescale
}

// NewChain returns a Chain with every filter at its identity configuration.
func NewChain() *Chain {
	return &Chain{
		Volume:     NewVolume(),
		Equalizer:  NewEqualizer(),
		Karaoke:    NewKaraoke(),
		Tremolo:    NewTremolo(),
		Vibrato:    NewVibrato(),
		Distortion: NewDistortion(),
		Rotation:   NewRotation(),
		ChannelMix: NewChannelMix(),
		LowPass:    NewLowPass(),
		Timescale:  NewTimescale(),
	}
}

// IsActive reports whether any filter in the chain is non-identity.
func (c *Chain) IsActive() bool {
	return c.Volume.IsActive() ||
		c.Equalizer.IsActive() ||
		c.Karaoke.IsActive() ||
		c.Tremolo.IsActive() ||
		c.Vibrato.IsActive() ||
		c.Distortion.IsActive() ||
		c.Rotation.IsActive() ||
		c.ChannelMix.IsActive() ||
		c.LowPass.IsActive() ||
		c.Timescale.IsActive()
}

// HasTimescale reports whether the timescale stage is currently resampling,
// which decouples this call's input frame count from its output frame
// count.
func (c *Chain) HasTimescale() bool {
	return c.Timescale.IsActive()
}

// Process runs the length-preserving stages over frame in place, then (if
// timescale is active) feeds the result into the timescale stage's input
// queue instead of leaving it in frame.
func (c *Chain) Process(frame []int16) {
	c.Volume.Process(frame)
	c.Equalizer.Process(frame)
	c.Karaoke.Process(frame)
	c.Tremolo.Process(frame)
	c.Vibrato.Process(frame)
	c.Distortion.Process(frame)
	c.Rotation.Process(frame)
	c.ChannelMix.Process(frame)
	c.LowPass.Process(frame)

	if c.Timescale.IsActive() {
		c.Timescale.Process(frame)
	}
}

// FillFrame drains one resampled output frame from the timescale stage.
// Only meaningful when HasTimescale is true; returns false (frame not
// ready) otherwise, matching spec: the speak loop must skip encoding until
// a full frame is available.
func (c *Chain) FillFrame(out []int16) bool {
	if !c.HasTimescale() {
		return false
	}
	return c.Timescale.FillFrame(out)
}

// Reset restores every filter to its identity configuration.
func (c *Chain) Reset() {
	*c = *NewChain()
}
