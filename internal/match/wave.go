package match

// spawnOrder is one unit waiting to be released.
type spawnOrder struct {
	unit string
	path int
}

// waveRun paces a wave: every interval ticks it releases the next unit of
// each group, never more than maxPerTick at once.
type waveRun struct {
	number     int
	def        WaveDef
	pending    []spawnOrder
	interval   uint64
	maxPerTick int
	nextAt     uint64

	total    int
	spawned  int
	resolved int
	leaks    int
}

func newWaveRun(number int, def WaveDef, interval uint64, maxPerTick int, now uint64) *waveRun {
	if interval == 0 {
		interval = 1
	}
	if maxPerTick <= 0 {
		maxPerTick = 1
	}
	w := &waveRun{
		number:     number,
		def:        def,
		interval:   interval,
		maxPerTick: maxPerTick,
		nextAt:     now,
		total:      def.UnitCount(),
	}

	// interleave groups so parallel groups release together
	remaining := make([]int, len(def.Groups))
	for i, g := range def.Groups {
		remaining[i] = g.Count
	}
	for left := w.total; left > 0; {
		for i, g := range def.Groups {
			if remaining[i] > 0 {
				w.pending = append(w.pending, spawnOrder{unit: g.Unit, path: g.Path})
				remaining[i]--
				left--
			}
		}
	}
	return w
}

// release returns the units to spawn at tick.
func (w *waveRun) release(tick uint64) []spawnOrder {
	if len(w.pending) == 0 || tick < w.nextAt {
		return nil
	}
	n := len(w.def.Groups)
	if n > w.maxPerTick {
		n = w.maxPerTick
	}
	if n > len(w.pending) {
		n = len(w.pending)
	}
	out := w.pending[:n]
	w.pending = w.pending[n:]
	w.spawned += n
	w.nextAt = tick + w.interval
	return out
}

func (w *waveRun) resolve(leaked bool) {
	w.resolved++
	if leaked {
		w.leaks++
	}
}

func (w *waveRun) done() bool {
	return len(w.pending) == 0 && w.resolved >= w.total
}
