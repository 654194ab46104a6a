package audio

// SetRand replaces the probability source used by SampleAndLog.
func (c *Converter) SetRand(f func() float64) { c.rand = f }
