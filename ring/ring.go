// Package ring provides a fixed-size circular buffer of float64 samples
// with the ability to iterate over the first (oldest) and second (newest)
// halves of the window, used to detect drift in a running diagnostic (CS
// width, batch score) without keeping the full history.
package ring

// CircularFloat is a circular buffer of float64s.
type CircularFloat struct {
	buffer    []float64
	pos       int
	BufSize   int   // fixed number of samples held in memory
	Count     int   // number currently held; always <= BufSize
	TotalSeen int64 // total number of Add calls, regardless of window size
}

// NewCircularFloat creates a circular buffer of totalSize. If totalSize is
// not a multiple of 2, it is adjusted down so FirstHalf/SecondHalf split
// evenly.
func NewCircularFloat(totalSize int) *CircularFloat {
	half := totalSize / 2
	total := half + half
	if total < 2 {
		total = 2
	}

	return &CircularFloat{
		buffer:  make([]float64, total),
		BufSize: total,
	}
}

func (c *CircularFloat) nextPos() int {
	return (c.pos + 1) % c.BufSize
}

// Add appends v to the buffer, overwriting the oldest entry once full.
func (c *CircularFloat) Add(v float64) {
	c.TotalSeen++
	c.buffer[c.pos] = v
	c.pos = c.nextPos()

	c.Count++
	if c.Count > c.BufSize {
		c.Count = c.BufSize
	}
}

// FirstHalf returns an iterator over the oldest half of the window. Returns
// nil until Add has been called at least BufSize times.
func (c *CircularFloat) FirstHalf() *CircularFloatIterator {
	if c.Count < c.BufSize {
		return nil
	}
	return &CircularFloatIterator{buf: c, curr: c.pos, remain: c.BufSize / 2}
}

// SecondHalf returns an iterator over the newest half of the window. Returns
// nil until Add has been called at least BufSize times.
func (c *CircularFloat) SecondHalf() *CircularFloatIterator {
	if c.Count < c.BufSize {
		return nil
	}
	half := c.BufSize / 2
	pos := (c.pos + half) % c.BufSize
	return &CircularFloatIterator{buf: c, curr: pos, remain: half}
}

// Drift reports the difference between the mean of the newest half and the
// mean of the oldest half of the window (positive: rising; negative:
// falling). Reports 0 until the window is full.
func (c *CircularFloat) Drift() float64 {
	first := c.FirstHalf()
	second := c.SecondHalf()
	if first == nil || second == nil {
		return 0
	}

	var firstSum, secondSum float64
	var n int
	for first.Next() {
		firstSum += first.Value()
		n++
	}
	for second.Next() {
		secondSum += second.Value()
	}
	if n == 0 {
		return 0
	}
	return secondSum/float64(n) - firstSum/float64(n)
}

// CircularFloatIterator iterates over half of a CircularFloat's window.
type CircularFloatIterator struct {
	buf    *CircularFloat
	curr   int
	remain int
}

// Next reports whether there are more values to read via Value.
func (i *CircularFloatIterator) Next() bool {
	return i.remain > 0
}

// Value returns the next value; only valid when Next reports true.
func (i *CircularFloatIterator) Value() float64 {
	v := i.buf.buffer[i.curr]
	i.curr = (i.curr + 1) % i.buf.BufSize
	i.remain--
	return v
}
