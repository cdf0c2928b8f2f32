package model

// linearModel is a single least-squares regression line fit over a bucket
// of (key, position) pairs, trained from running sums the way the teacher's
// LinearModel does rather than re-scanning its input on every update.
type linearModel struct {
	slope     float64
	intercept float64

	n     float64
	sumX  float64
	sumY  float64
	sumXY float64
	sumXX float64
}

func newLinearModel() *linearModel {
	return &linearModel{}
}

// trainWithPos fits the line over xs[i] -> positions[i], mirroring the
// teacher's TrainWithPos: keys are paired with their true global index,
// not assumed to equal their position within the bucket.
func (lm *linearModel) trainWithPos(xs []float64, positions []int) {
	lm.n, lm.sumX, lm.sumY, lm.sumXY, lm.sumXX = 0, 0, 0, 0, 0
	for i, x := range xs {
		y := float64(positions[i])
		lm.n++
		lm.sumX += x
		lm.sumY += y
		lm.sumXY += x * y
		lm.sumXX += x * x
	}
	lm.solve()
}

func (lm *linearModel) solve() {
	denom := lm.n*lm.sumXX - lm.sumX*lm.sumX
	if denom == 0 {
		lm.slope = 0
		if lm.n > 0 {
			lm.intercept = lm.sumY / lm.n
		} else {
			lm.intercept = 0
		}
		return
	}
	lm.slope = (lm.n*lm.sumXY - lm.sumX*lm.sumY) / denom
	lm.intercept = (lm.sumY - lm.slope*lm.sumX) / lm.n
}

func (lm *linearModel) predict(x float64) int {
	return int(lm.slope*x + lm.intercept)
}
