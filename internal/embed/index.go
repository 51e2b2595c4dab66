package embed

import (
	"math"
	"sort"
)

// Neighbor is one search hit: a vector ordinal and its inner-product
// score. Vectors are L2-normalised before indexing, so the score is the
// cosine similarity.
type Neighbor struct {
	Ordinal int
	Score   float32
}

// Index answers top-k inner-product queries over a fixed vector set.
// Indexes are rebuilt from the cache on every run; only embedding is
// expensive.
type Index interface {
	Search(query []float32, k int) []Neighbor
	Len() int
}

// NewIndex picks the index for the corpus: "flat" and "ivf" force a mode,
// "auto" uses IVF once the corpus outgrows an exact scan.
func NewIndex(mode string, vecs [][]float32, trainSize, nprobe int) Index {
	switch mode {
	case "flat":
		return newFlatIndex(vecs)
	case "ivf":
		return newIVFIndex(vecs, trainSize, nprobe)
	}
	if len(vecs) > 10_000 {
		return newIVFIndex(vecs, trainSize, nprobe)
	}
	return newFlatIndex(vecs)
}

// flatIndex scans every vector. Exact, and fast enough for small corpora.
type flatIndex struct {
	vecs [][]float32
}

func newFlatIndex(vecs [][]float32) *flatIndex { return &flatIndex{vecs: vecs} }

func (f *flatIndex) Len() int { return len(f.vecs) }

func (f *flatIndex) Search(query []float32, k int) []Neighbor {
	return topK(f.vecs, nil, query, k)
}

// ivfIndex clusters vectors into nlist cells by k-means and scans only the
// nprobe cells whose centroids sit closest to the query.
type ivfIndex struct {
	vecs      [][]float32
	centroids [][]float32
	cells     [][]int
	nprobe    int
}

func newIVFIndex(vecs [][]float32, trainSize, nprobe int) *ivfIndex {
	if trainSize <= 0 {
		trainSize = 5000
	}
	if nprobe <= 0 {
		nprobe = 10
	}
	nlist := int(math.Ceil(math.Sqrt(float64(len(vecs)))))
	if nlist > 100 {
		nlist = 100
	}
	if nlist < 1 {
		nlist = 1
	}
	train := vecs
	if len(train) > trainSize {
		train = train[:trainSize]
	}
	centroids := kmeans(train, nlist, 10)

	idx := &ivfIndex{
		vecs:      vecs,
		centroids: centroids,
		cells:     make([][]int, len(centroids)),
		nprobe:    nprobe,
	}
	for i, v := range vecs {
		c := nearestCentroid(centroids, v)
		idx.cells[c] = append(idx.cells[c], i)
	}
	return idx
}

func (x *ivfIndex) Len() int { return len(x.vecs) }

func (x *ivfIndex) Search(query []float32, k int) []Neighbor {
	probes := topK(x.centroids, nil, query, x.nprobe)
	var ordinals []int
	for _, p := range probes {
		ordinals = append(ordinals, x.cells[p.Ordinal]...)
	}
	return topK(x.vecs, ordinals, query, k)
}

// topK scores query against vecs (restricted to ordinals when non-nil)
// and returns the k best by inner product, ties broken by ordinal.
func topK(vecs [][]float32, ordinals []int, query []float32, k int) []Neighbor {
	n := len(vecs)
	if ordinals != nil {
		n = len(ordinals)
	}
	hits := make([]Neighbor, 0, n)
	for i := 0; i < n; i++ {
		ord := i
		if ordinals != nil {
			ord = ordinals[i]
		}
		hits = append(hits, Neighbor{Ordinal: ord, Score: Dot(query, vecs[ord])})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Ordinal < hits[j].Ordinal
	})
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits
}

// kmeans runs lloyd iterations over normalised vectors. Cosine and
// Euclidean agree on unit vectors, so assignment maximises inner product.
func kmeans(train [][]float32, k, iters int) [][]float32 {
	if len(train) == 0 {
		return nil
	}
	if k > len(train) {
		k = len(train)
	}
	dims := len(train[0])

	// Deterministic spread seeding: every len/k-th training vector.
	centroids := make([][]float32, k)
	step := len(train) / k
	if step < 1 {
		step = 1
	}
	for i := 0; i < k; i++ {
		c := make([]float32, dims)
		copy(c, train[(i*step)%len(train)])
		centroids[i] = c
	}

	assign := make([]int, len(train))
	for iter := 0; iter < iters; iter++ {
		moved := false
		for i, v := range train {
			c := nearestCentroid(centroids, v)
			if assign[i] != c {
				assign[i] = c
				moved = true
			}
		}
		if !moved && iter > 0 {
			break
		}
		sums := make([][]float64, k)
		counts := make([]int, k)
		for i := range sums {
			sums[i] = make([]float64, dims)
		}
		for i, v := range train {
			c := assign[i]
			counts[c]++
			for d, x := range v {
				sums[c][d] += float64(x)
			}
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				continue // empty cell keeps its previous centroid
			}
			for d := 0; d < dims; d++ {
				centroids[c][d] = float32(sums[c][d] / float64(counts[c]))
			}
			Normalize(centroids[c])
		}
	}
	return centroids
}

func nearestCentroid(centroids [][]float32, v []float32) int {
	best := 0
	bestScore := float32(math.Inf(-1))
	for i, c := range centroids {
		if s := Dot(c, v); s > bestScore {
			bestScore = s
			best = i
		}
	}
	return best
}
