package stage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lexpipe/internal/ndjson"
)

// Plan is the stage DAG a full run executes. Ready stages are packed
// into weighted chunks: sorted by descendant count (stages unblocking
// more downstream work launch first), then by weight, then by name, and
// greedily packed under the chunk capacity. Chunks run concurrently up
// to a parallelism bound; stages inside a chunk run concurrently too.
type Plan struct {
	stages []*planStage
	byName map[string]int
}

type planStage struct {
	stage  Stage
	weight int
	after  []string
}

func NewPlan() *Plan {
	return &Plan{byName: make(map[string]int)}
}

// Add registers a stage with its cost weight and upstream dependencies.
func (p *Plan) Add(s Stage, weight int, after ...string) error {
	name := s.Name()
	if _, dup := p.byName[name]; dup {
		return fmt.Errorf("plan: duplicate stage %q", name)
	}
	if weight < 1 {
		weight = 1
	}
	p.byName[name] = len(p.stages)
	p.stages = append(p.stages, &planStage{stage: s, weight: weight, after: after})
	return nil
}

// Result collects per-stage outcomes of one plan execution.
type Result struct {
	Checkpoints map[string]*ndjson.Checkpoint
	Failed      map[string]error
	// Aborted names stages never launched because an ancestor failed.
	Aborted []string
}

type stageDone struct {
	idx int
	cp  *ndjson.Checkpoint
	err error
}

// Execute runs the DAG. A failed stage aborts its descendants; stages on
// independent branches still finish. The returned error is non-nil when
// any stage failed or the context was cancelled.
func (p *Plan) Execute(ctx context.Context, capPerChunk, parallel int, logger *zap.Logger) (*Result, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if capPerChunk < 1 {
		capPerChunk = 1
	}
	if parallel < 1 {
		parallel = 1
	}
	n := len(p.stages)
	adj := make([][]int, n)
	indeg := make([]int, n)
	for i, st := range p.stages {
		for _, dep := range st.after {
			j, ok := p.byName[dep]
			if !ok {
				return nil, fmt.Errorf("plan: stage %q depends on unknown %q", st.stage.Name(), dep)
			}
			adj[j] = append(adj[j], i)
			indeg[i]++
		}
	}
	desc, err := descendantCounts(adj)
	if err != nil {
		return nil, err
	}
	for _, st := range p.stages {
		if st.weight > capPerChunk {
			return nil, fmt.Errorf("plan: stage %q weight %d exceeds chunk capacity %d",
				st.stage.Name(), st.weight, capPerChunk)
		}
	}

	res := &Result{
		Checkpoints: make(map[string]*ndjson.Checkpoint, n),
		Failed:      make(map[string]error),
	}
	ready := make(map[int]struct{})
	for i := range p.stages {
		if indeg[i] == 0 {
			ready[i] = struct{}{}
		}
	}
	aborted := make(map[int]struct{})
	done := 0
	chunksInFlight := 0

	stageCh := make(chan stageDone, n)
	chunkCh := make(chan struct{}, n)

	launchChunk := func(chunk []int) {
		chunksInFlight++
		go func() {
			var g errgroup.Group
			for _, idx := range chunk {
				idx := idx
				g.Go(func() error {
					cp, err := p.stages[idx].stage.Run(ctx)
					stageCh <- stageDone{idx: idx, cp: cp, err: err}
					return nil
				})
			}
			_ = g.Wait()
			chunkCh <- struct{}{}
		}()
	}

	pickChunk := func() []int {
		cands := make([]int, 0, len(ready))
		for i := range ready {
			cands = append(cands, i)
		}
		sort.Slice(cands, func(a, b int) bool {
			ia, ib := cands[a], cands[b]
			if desc[ia] != desc[ib] {
				return desc[ia] > desc[ib]
			}
			wa, wb := p.stages[ia].weight, p.stages[ib].weight
			if wa != wb {
				return wa < wb
			}
			return p.stages[ia].stage.Name() < p.stages[ib].stage.Name()
		})
		var chunk []int
		total := 0
		for _, i := range cands {
			w := p.stages[i].weight
			if total+w > capPerChunk {
				continue
			}
			chunk = append(chunk, i)
			total += w
		}
		return chunk
	}

	abortDescendants := func(idx int) {
		stack := []int{idx}
		for len(stack) > 0 {
			u := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, v := range adj[u] {
				if _, dead := aborted[v]; dead {
					continue
				}
				delete(ready, v)
				aborted[v] = struct{}{}
				res.Aborted = append(res.Aborted, p.stages[v].stage.Name())
				done++
				stack = append(stack, v)
			}
		}
	}

	for done < n {
		for chunksInFlight < parallel {
			chunk := pickChunk()
			if len(chunk) == 0 {
				break
			}
			names := make([]string, len(chunk))
			for k, i := range chunk {
				delete(ready, i)
				names[k] = p.stages[i].stage.Name()
			}
			logger.Info("launching chunk", zap.Strings("stages", names))
			launchChunk(chunk)
		}
		if chunksInFlight == 0 {
			// Nothing running and nothing launchable: either every
			// remaining stage was aborted (done already counts them) or
			// the graph is wedged.
			if done < n {
				return res, errors.New("plan: dependency cycle or orphaned stage")
			}
			break
		}

		select {
		case <-ctx.Done():
			// In-flight stages observe the same ctx and stop at their
			// next batch boundary; drain their chunk markers.
			for ; chunksInFlight > 0; chunksInFlight-- {
				<-chunkCh
			}
			return res, ctx.Err()
		case <-chunkCh:
			chunksInFlight--
		case c := <-stageCh:
			done++
			name := p.stages[c.idx].stage.Name()
			if c.cp != nil {
				res.Checkpoints[name] = c.cp
			}
			if c.err != nil {
				res.Failed[name] = c.err
				logger.Error("stage failed, aborting dependents",
					zap.String("stage", name), zap.Error(c.err))
				abortDescendants(c.idx)
				continue
			}
			logger.Info("stage finished", zap.String("stage", name))
			for _, v := range adj[c.idx] {
				if _, dead := aborted[v]; dead {
					continue
				}
				indeg[v]--
				if indeg[v] == 0 {
					ready[v] = struct{}{}
				}
			}
		}
	}
	for ; chunksInFlight > 0; chunksInFlight-- {
		<-chunkCh
	}

	if len(res.Failed) > 0 {
		return res, fmt.Errorf("plan: %d stage(s) failed", len(res.Failed))
	}
	return res, nil
}

// descendantCounts returns, per node, how many distinct nodes depend on
// it transitively. Errors on cycles.
func descendantCounts(adj [][]int) ([]int, error) {
	n := len(adj)
	indeg := make([]int, n)
	for u := 0; u < n; u++ {
		for _, v := range adj[u] {
			indeg[v]++
		}
	}
	order := make([]int, 0, n)
	for u := 0; u < n; u++ {
		if indeg[u] == 0 {
			order = append(order, u)
		}
	}
	for i := 0; i < len(order); i++ {
		for _, v := range adj[order[i]] {
			indeg[v]--
			if indeg[v] == 0 {
				order = append(order, v)
			}
		}
	}
	if len(order) != n {
		return nil, errors.New("plan: dependency cycle")
	}
	sets := make([]map[int]struct{}, n)
	for i := len(order) - 1; i >= 0; i-- {
		u := order[i]
		set := make(map[int]struct{})
		for _, v := range adj[u] {
			set[v] = struct{}{}
			for w := range sets[v] {
				set[w] = struct{}{}
			}
		}
		sets[u] = set
	}
	out := make([]int, n)
	for i := range sets {
		out[i] = len(sets[i])
	}
	return out, nil
}
