// Package sampling is the numeric side of the Monte Carlo π estimate: drawing
// points in the unit square and counting those inside the quarter circle.
// It holds no state between calls and knows nothing about the network.
package sampling

import (
	"context"
	"math/rand/v2"
	"sync"
)

// cancelCheckEvery bounds how many samples a goroutine draws between
// context checks.
const cancelCheckEvery = 1 << 16

// Tally counts sampled points and how many of them fell inside the quarter
// circle.
type Tally struct {
	Points int64
	Inside int64
}

// Outside returns the number of points that missed the quarter circle.
func (t Tally) Outside() int64 {
	return t.Points - t.Inside
}

// Estimate returns 4 * Inside / Points, or 0 for an empty tally.
func (t Tally) Estimate() float64 {
	if t.Points <= 0 {
		return 0
	}
	return 4 * float64(t.Inside) / float64(t.Points)
}

// Sample draws one point with both coordinates uniform on [0,1).
func Sample(r *rand.Rand) (x, y float64) {
	return r.Float64(), r.Float64()
}

// IsInside reports whether (x, y) lies inside the unit circle.
func IsInside(x, y float64) bool {
	return x*x+y*y <= 1
}

// Count draws points samples from r.
func Count(points int64, r *rand.Rand) Tally {
	t := Tally{Points: points}
	for i := int64(0); i < points; i++ {
		if IsInside(Sample(r)) {
			t.Inside++
		}
	}
	return t
}

// Estimate draws points samples from r and returns the π estimate.
func Estimate(points int64, r *rand.Rand) float64 {
	return Count(points, r).Estimate()
}

// TaskSize splits total points across n workers by integer division. The
// remainder is dropped, so n*TaskSize(total, n) may be less than total.
func TaskSize(total int64, n int) int64 {
	if n <= 0 {
		return 0
	}
	return total / int64(n)
}

// NewRand returns a generator seeded from seed and stream. Distinct streams
// with the same seed yield independent sequences.
func NewRand(seed, stream uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, stream))
}

// CountParallel spreads points over parallelism goroutines, each with its
// own generator derived from seed, and sums their tallies. The last
// goroutine takes the remainder so every point is drawn exactly once.
//
// It returns ctx.Err() if ctx is cancelled before all points are drawn.
func CountParallel(ctx context.Context, points int64, parallelism int, seed uint64) (Tally, error) {
	if parallelism <= 0 {
		parallelism = 1
	}
	if points < int64(parallelism) {
		parallelism = 1
	}

	per := points / int64(parallelism)
	remainder := points % int64(parallelism)

	var wg sync.WaitGroup
	results := make(chan Tally, parallelism)

	for i := 0; i < parallelism; i++ {
		n := per
		if i == parallelism-1 {
			n += remainder
		}

		wg.Add(1)
		go func(stream uint64, n int64) {
			defer wg.Done()
			results <- countUntilDone(ctx, n, NewRand(seed, stream))
		}(uint64(i), n)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var total Tally
	for t := range results {
		total.Points += t.Points
		total.Inside += t.Inside
	}

	if err := ctx.Err(); err != nil {
		return Tally{}, err
	}
	return total, nil
}

func countUntilDone(ctx context.Context, points int64, r *rand.Rand) Tally {
	var t Tally
	for t.Points < points {
		batch := min(points-t.Points, cancelCheckEvery)
		b := Count(batch, r)
		t.Points += b.Points
		t.Inside += b.Inside

		if ctx.Err() != nil {
			break
		}
	}
	return t
}
