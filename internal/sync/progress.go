package sync

import (
	"time"

	"github.com/jonboulle/clockwork"

	"bisync/internal/fs"
)

// ByteCounter 单方向的字节进度
type ByteCounter struct {
	Total     int64
	Completed int64
}

// ProgressInfo is a point-in-time view of a pass. Completed values never
// exceed their totals and never decrease within a pass.
type ProgressInfo struct {
	TotalItems     int
	CompletedItems int
	Up             ByteCounter
	Down           ByteCounter
	CurrentFile    string
	BytesPerSecond float64
}

// Percent of the pass done, weighted by bytes when there are any to move.
func (p ProgressInfo) Percent() float64 {
	total := p.Up.Total + p.Down.Total
	if total > 0 {
		return float64(p.Up.Completed+p.Down.Completed) / float64(total) * 100
	}
	if p.TotalItems > 0 {
		return float64(p.CompletedItems) / float64(p.TotalItems) * 100
	}
	return 100
}

type itemProgress struct {
	path  string
	dir   Direction
	total int64
	done  int64
	ended bool
}

const (
	rateWindow = time.Second
	rateAlpha  = 0.3
)

// ProgressAggregator folds per-item byte reports into pass-level progress.
// It is owned by the orchestrator goroutine and is not safe for concurrent
// use.
type ProgressAggregator struct {
	clock clockwork.Clock
	info  ProgressInfo
	items []itemProgress

	windowStart time.Time
	windowBytes int64
	rateSeeded  bool
}

// NewProgressAggregator uses clock for the transfer rate estimate.
func NewProgressAggregator(clock clockwork.Clock) *ProgressAggregator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ProgressAggregator{clock: clock}
}

// transfers reports whether the item moves file content and in which
// direction the bytes flow.
func transfers(it *SyncItem) (Direction, bool) {
	if it.Kind != fs.KindFile {
		return DirectionNone, false
	}
	switch it.Instruction {
	case InstructionNew, InstructionUpdated:
		return it.Direction, true
	case InstructionConflict:
		// 冲突时下载远端副本
		return DirectionDown, true
	}
	return DirectionNone, false
}

// Begin resets the aggregator for a new item list.
func (a *ProgressAggregator) Begin(items []SyncItem) {
	a.info = ProgressInfo{TotalItems: len(items)}
	a.items = make([]itemProgress, len(items))
	for i := range items {
		it := &items[i]
		ip := itemProgress{path: it.Path}
		if dir, ok := transfers(it); ok {
			ip.dir = dir
			ip.total = it.Size
			if it.Instruction == InstructionConflict && it.Remote != nil {
				ip.total = it.Remote.Size
			}
			a.counter(dir).Total += ip.total
		}
		a.items[i] = ip
	}
	a.windowStart = a.clock.Now()
	a.windowBytes = 0
	a.rateSeeded = false
}

func (a *ProgressAggregator) counter(dir Direction) *ByteCounter {
	if dir == DirectionDown {
		return &a.info.Down
	}
	return &a.info.Up
}

// Update applies a cumulative byte report for item i.
func (a *ProgressAggregator) Update(i int, bytes, total int64) ProgressInfo {
	if i < 0 || i >= len(a.items) {
		return a.info
	}
	ip := &a.items[i]
	a.info.CurrentFile = ip.path
	if ip.ended || ip.dir == DirectionNone {
		return a.info
	}
	c := a.counter(ip.dir)

	// 传输过程中发现文件变大, 同步调整总量
	if total > ip.total {
		c.Total += total - ip.total
		ip.total = total
	}
	if bytes > ip.total {
		bytes = ip.total
	}
	if delta := bytes - ip.done; delta > 0 {
		ip.done = bytes
		c.Completed += delta
		a.sample(delta)
	}
	return a.info
}

// Complete marks item i finished; any bytes it did not report are counted.
func (a *ProgressAggregator) Complete(i int) ProgressInfo {
	if i < 0 || i >= len(a.items) || a.items[i].ended {
		return a.info
	}
	ip := &a.items[i]
	ip.ended = true
	a.info.CompletedItems++
	if ip.dir != DirectionNone && ip.done < ip.total {
		delta := ip.total - ip.done
		ip.done = ip.total
		a.counter(ip.dir).Completed += delta
	}
	return a.info
}

// Snapshot returns the current progress.
func (a *ProgressAggregator) Snapshot() ProgressInfo {
	return a.info
}

// sample feeds the rate estimate: bytes are summed over a window and each
// closed window is blended into an exponential moving average.
func (a *ProgressAggregator) sample(delta int64) {
	a.windowBytes += delta
	now := a.clock.Now()
	elapsed := now.Sub(a.windowStart)
	if elapsed < rateWindow {
		return
	}
	inst := float64(a.windowBytes) / elapsed.Seconds()
	if a.rateSeeded {
		a.info.BytesPerSecond = rateAlpha*inst + (1-rateAlpha)*a.info.BytesPerSecond
	} else {
		a.info.BytesPerSecond = inst
		a.rateSeeded = true
	}
	a.windowStart = now
	a.windowBytes = 0
}
