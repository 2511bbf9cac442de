// Copyright 2021 UCL CS Diamant
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package skill

import (
	"math"
)

func normPdf(x float64) float64 {
	return math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
}

func normCdf(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

// normPpf inverts the standard normal CDF by bisection. It is only evaluated
// once per rating update so accuracy wins over speed.
func normPpf(p float64) float64 {
	lo, hi := -10.0, 10.0
	for i := 0; i < 200; i++ {
		mid := (lo + hi) / 2
		if normCdf(mid) < p {
			lo = mid
		} else {
			hi = mid
		}
	}
	return (lo + hi) / 2
}

// vWin and wWin are the additive and multiplicative correction moments of a
// Gaussian truncated from below at the draw margin. They drive the mean shift
// and the uncertainty shrink after a decisive outcome.
func vWin(t, eps float64) float64 {
	denom := normCdf(t - eps)
	if denom < 1e-300 {
		// Deep in the tail the ratio converges to eps-t.
		return eps - t
	}
	return normPdf(t-eps) / denom
}

func wWin(t, eps float64) float64 {
	v := vWin(t, eps)
	return v * (v + t - eps)
}

// vDraw and wDraw are the corresponding moments of a Gaussian truncated to
// the draw interval [-eps, eps].
func vDraw(t, eps float64) float64 {
	denom := normCdf(eps-t) - normCdf(-eps-t)
	if denom < 1e-300 {
		if t < 0 {
			return -eps - t
		}
		return eps - t
	}
	return (normPdf(-eps-t) - normPdf(eps-t)) / denom
}

func wDraw(t, eps float64) float64 {
	denom := normCdf(eps-t) - normCdf(-eps-t)
	if denom < 1e-300 {
		return 1
	}
	v := vDraw(t, eps)
	return v*v + ((eps-t)*normPdf(eps-t)+(eps+t)*normPdf(eps+t))/denom
}
