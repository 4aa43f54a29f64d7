package engine

import (
	"math"
	"sync/atomic"
)

// progressCell holds the advisory progress of the active job. Only the
// job's listener writes to it; any goroutine may read a snapshot.
type progressCell struct {
	bits      atomic.Uint64
	completed atomic.Bool
}

func (p *progressCell) ReportProgress(fraction float64) {
	if fraction < 0 || math.IsNaN(fraction) {
		fraction = 0
	} else if fraction > 1 {
		fraction = 1
	}
	p.bits.Store(math.Float64bits(fraction))
}

func (p *progressCell) ReportComplete() {
	p.completed.Store(true)
}

func (p *progressCell) reset() {
	p.bits.Store(0)
	p.completed.Store(false)
}

func (p *progressCell) snapshot() ProgressState {
	return ProgressState{
		Fraction:  math.Float64frombits(p.bits.Load()),
		Completed: p.completed.Load(),
	}
}

// batchReporter scales the progress of iteration index of total into the
// cell so a batch moves monotonically from 0 to 1
type batchReporter struct {
	cell  *progressCell
	index int
	total int
}

func (b *batchReporter) ReportProgress(fraction float64) {
	if b.total <= 1 {
		b.cell.ReportProgress(fraction)
		return
	}
	b.cell.ReportProgress((float64(b.index) + fraction) / float64(b.total))
}

func (b *batchReporter) ReportComplete() {
	if b.index == b.total-1 {
		b.cell.ReportComplete()
	}
}
