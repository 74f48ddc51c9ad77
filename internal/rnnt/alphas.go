package rnnt

import (
	"context"
	"log"
	"sync"

	"github.com/23skdu/longbow-bodkin/internal/logmath"
)

const (
	// diagonalGrain is the per-pair cell count above which a lone pair is
	// worth sweeping with a diagonal worker team instead of serially.
	diagonalGrain = 1 << 14

	// diagSpanMin is the smallest diagonal worth splitting across
	// goroutines; shorter diagonals run inline.
	diagSpanMin = 64
)

// pairSweep binds everything one (batch, hypothesis) pair's sweep reads
// and writes: its logit block, label row, lattice block and workspace
// regions. Hypotheses of the same batch element share a logit block but
// nothing else.
type pairSweep[D, C logmath.Float] struct {
	pair    int
	logits  []D     // [maxS, maxU, vocab] block of the owning batch element
	targets []int32 // [maxU-1] label row
	alphas  []C     // [maxS, maxU] lattice block

	rowFill   []int32
	blankEdge []C
	labelEdge []C

	srcLen, tgtLen int
	maxU, vocab    int
	blank          int32
	clamp          C
}

func newPairSweep[D, C logmath.Float](opts Options, pair int, logits []D, targets []int32, srcLen, tgtLen int, ws *Workspace[C], alphas []C) *pairSweep[D, C] {
	s, u, v := opts.MaxSrcLen, opts.MaxTgtLen, opts.NumTargets
	block := s * u * v
	b := pair / opts.NHypos
	return &pairSweep[D, C]{
		pair:      pair,
		logits:    logits[b*block : (b+1)*block],
		targets:   targets[pair*(u-1) : (pair+1)*(u-1)],
		alphas:    alphas[pair*s*u : (pair+1)*s*u],
		rowFill:   ws.RowFill(pair),
		blankEdge: ws.BlankEdge(pair),
		labelEdge: ws.LabelEdge(pair),
		srcLen:    srcLen,
		tgtLen:    tgtLen,
		maxU:      u,
		vocab:     v,
		blank:     opts.Blank,
		clamp:     C(opts.Clamp),
	}
}

// score reads the raw logit for label k at lattice position (t, u),
// widened to the accumulation type and clipped when clamping is on.
func (p *pairSweep[D, C]) score(t, u int, k int32) C {
	x := C(p.logits[(t*p.maxU+u)*p.vocab+int(k)])
	if p.clamp > 0 {
		x = logmath.Clamp(x, p.clamp)
	}
	return x
}

// stageEdges precomputes the clamped scores the two degenerate edge
// chains consume: blank emissions down column zero and label emissions
// along row zero. Staging them keeps the serial chains a straight
// prefix accumulation over workspace memory.
func (p *pairSweep[D, C]) stageEdges() {
	for t := 0; t < p.srcLen; t++ {
		p.blankEdge[t] = p.score(t, 0, p.blank)
	}
	p.labelEdge[0] = 0
	for u := 1; u < p.tgtLen; u++ {
		p.labelEdge[u] = p.score(0, u-1, p.targets[u-1])
	}
}

// fillEdges writes the base cell and both edge chains. With srcLen or
// tgtLen of one the whole pair reduces to one of these chains.
func (p *pairSweep[D, C]) fillEdges() {
	p.alphas[0] = 0
	p.rowFill[0]++
	for t := 1; t < p.srcLen; t++ {
		p.alphas[t*p.maxU] = p.alphas[(t-1)*p.maxU] + p.blankEdge[t-1]
		p.rowFill[t]++
	}
	for u := 1; u < p.tgtLen; u++ {
		p.alphas[u] = p.alphas[u-1] + p.labelEdge[u]
		p.rowFill[0]++
	}
}

// fillCell computes one interior cell from its two predecessors. This is
// the only place the two-path recurrence is spelled out; every sweep
// order funnels through it so serial and parallel runs stay bit-identical.
func (p *pairSweep[D, C]) fillCell(t, u int) {
	up := p.alphas[(t-1)*p.maxU+u] + p.score(t-1, u, p.blank)
	left := p.alphas[t*p.maxU+u-1] + p.score(t, u-1, p.targets[u-1])
	p.alphas[t*p.maxU+u] = logmath.LogAddExp(up, left)
	p.rowFill[t]++
}

// fillInterior sweeps the interior row-major; both predecessors of (t, u)
// are already written when the loop reaches it.
func (p *pairSweep[D, C]) fillInterior() {
	for t := 1; t < p.srcLen; t++ {
		for u := 1; u < p.tgtLen; u++ {
			p.fillCell(t, u)
		}
	}
}

// fillInteriorDiagonal sweeps the interior one anti-diagonal at a time,
// splitting each diagonal's cells across workers. Cells on a diagonal
// share no predecessors, so the only synchronization is the WaitGroup
// barrier between diagonals. No cell has more than one writer per
// diagonal, and each row's fill counter is touched by exactly one worker
// per diagonal.
func (p *pairSweep[D, C]) fillInteriorDiagonal(workers int) {
	for d := 2; d <= p.srcLen-1+p.tgtLen-1; d++ {
		tLo := 1
		if d-(p.tgtLen-1) > tLo {
			tLo = d - (p.tgtLen - 1)
		}
		tHi := p.srcLen - 1
		if d-1 < tHi {
			tHi = d - 1
		}
		span := tHi - tLo + 1
		if span <= 0 {
			continue
		}
		if span < diagSpanMin || workers <= 1 {
			for t := tLo; t <= tHi; t++ {
				p.fillCell(t, d-t)
			}
			continue
		}

		var wg sync.WaitGroup
		cellsPerWorker := (span + workers - 1) / workers
		for w := 0; w < workers; w++ {
			start := tLo + w*cellsPerWorker
			end := start + cellsPerWorker
			if start > tHi {
				break
			}
			if end > tHi+1 {
				end = tHi + 1
			}
			wg.Add(1)
			go func(start, end int) {
				defer wg.Done()
				for t := start; t < end; t++ {
					p.fillCell(t, d-t)
				}
			}(start, end)
		}
		wg.Wait()
	}
}

// checkRowFill verifies the sweep wrote every cell of every valid row
// exactly once. A mismatch means a scheduling bug, not bad input.
func (p *pairSweep[D, C]) checkRowFill() {
	for t := 0; t < p.srcLen; t++ {
		if p.rowFill[t] != int32(p.tgtLen) {
			log.Panicf("alpha sweep wrote %d cells in row %d of pair %d, want %d", p.rowFill[t], t, p.pair, p.tgtLen)
		}
	}
}

func (p *pairSweep[D, C]) run(diagWorkers int) {
	p.stageEdges()
	p.fillEdges()
	if diagWorkers > 1 {
		p.fillInteriorDiagonal(diagWorkers)
	} else {
		p.fillInterior()
	}
	p.checkRowFill()
}

// computeLattice fills every pair's alpha block. Pairs are fully
// independent, so the default strategy chunks them across workers; when
// there are fewer big lattices than workers the team instead sweeps one
// pair at a time along its anti-diagonals. Cancellation is observed
// between pairs only, never mid-lattice.
func computeLattice[D, C logmath.Float](ctx context.Context, opts Options, workers int, logits []D, targets, srcLengths, tgtLengths []int32, ws *Workspace[C], alphas []C) error {
	pairs := opts.Pairs()
	if workers > 1 && pairs < workers && opts.MaxSrcLen*opts.MaxTgtLen >= diagonalGrain {
		for pair := 0; pair < pairs; pair++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			sw := newPairSweep(opts, pair, logits, targets, int(srcLengths[pair]), int(tgtLengths[pair]), ws, alphas)
			sw.run(workers)
		}
		return nil
	}

	var wg sync.WaitGroup
	pairsPerWorker := (pairs + workers - 1) / workers
	for w := 0; w < workers; w++ {
		startPair := w * pairsPerWorker
		endPair := startPair + pairsPerWorker
		if startPair >= pairs {
			break
		}
		if endPair > pairs {
			endPair = pairs
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for pair := start; pair < end; pair++ {
				if ctx.Err() != nil {
					return
				}
				sw := newPairSweep(opts, pair, logits, targets, int(srcLengths[pair]), int(tgtLengths[pair]), ws, alphas)
				sw.run(1)
			}
		}(startPair, endPair)
	}
	wg.Wait()
	return ctx.Err()
}
