package simd

import (
	"math"
	"testing"
)

func TestVecAdd(t *testing.T) {
	dst := []float64{1, 2, 3, 4, 5}
	src := []float64{10, 20, 30, 40, 50}
	expected := []float64{11, 22, 33, 44, 55}

	VecAdd(dst, src)

	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("VecAdd(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestVecAddScaled(t *testing.T) {
	dst := []float64{1, 2, 3, 4, 5}
	src := []float64{10, 20, 30, 40, 50}
	scale := 0.5
	expected := []float64{6, 12, 18, 24, 30}

	VecAddScaled(dst, src, scale)

	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("VecAddScaled(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestVecScale(t *testing.T) {
	dst := []float64{1, 2, 3, 4, 5, 6}
	VecScale(dst, 2)
	for i, v := range dst {
		if v != float64(i+1)*2 {
			t.Errorf("VecScale(%d) = %f, want %f", i, v, float64(i+1)*2)
		}
	}
}

func TestDotProduct(t *testing.T) {
	a := []float64{1, 2, 3, 4, 5}
	b := []float64{2, 3, 4, 5, 6}
	// 2 + 6 + 12 + 20 + 30 = 70
	expected := 70.0

	result := DotProduct(a, b)

	if result != expected {
		t.Errorf("DotProduct = %f, want %f", result, expected)
	}
}

func TestSumSquares(t *testing.T) {
	a := []float64{1, 2, 3, 4, 5}
	// 1 + 4 + 9 + 16 + 25 = 55
	if got := SumSquares(a); got != 55 {
		t.Errorf("SumSquares = %f, want 55", got)
	}
}

func TestSoftmaxFast(t *testing.T) {
	row := []float64{1, 2, 3, 4}
	SoftmaxFast(row)

	var sum float64
	for i, v := range row {
		sum += v
		if i > 0 && row[i] <= row[i-1] {
			t.Errorf("softmax should be monotone for monotone inputs")
		}
	}
	if math.Abs(sum-1.0) > 1e-12 {
		t.Errorf("softmax sum = %f, want 1", sum)
	}
}

func TestSoftmaxFastLargeValues(t *testing.T) {
	row := []float64{1000, 1001, 1002}
	SoftmaxFast(row)
	var sum float64
	for _, v := range row {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("softmax produced non-finite value %f", v)
		}
		sum += v
	}
	if math.Abs(sum-1.0) > 1e-12 {
		t.Errorf("softmax sum = %f, want 1", sum)
	}
}

func TestSigmoid(t *testing.T) {
	if got := Sigmoid(0); math.Abs(got-0.5) > 1e-15 {
		t.Errorf("Sigmoid(0) = %f, want 0.5", got)
	}
	if got := Sigmoid(100); math.Abs(got-1.0) > 1e-12 {
		t.Errorf("Sigmoid(100) = %f, want ~1", got)
	}
	if got := Sigmoid(-100); got > 1e-12 {
		t.Errorf("Sigmoid(-100) = %g, want ~0", got)
	}
	// Symmetry: sigmoid(x) + sigmoid(-x) == 1
	for _, x := range []float64{0.1, 1.5, 3, 7} {
		if diff := math.Abs(Sigmoid(x) + Sigmoid(-x) - 1); diff > 1e-14 {
			t.Errorf("sigmoid symmetry violated at %f by %g", x, diff)
		}
	}
}

func TestTanhFastBounds(t *testing.T) {
	for _, x := range []float64{-10, -4, -1, 0, 1, 4, 10} {
		v := TanhFast(x)
		if v < -1 || v > 1 {
			t.Errorf("TanhFast(%f) = %f out of [-1, 1]", x, v)
		}
	}
	if TanhFast(0) != 0 {
		t.Errorf("TanhFast(0) should be 0")
	}
}

func TestMatVecMul(t *testing.T) {
	// 2x3 matrix times length-3 vector
	mat := []float64{1, 2, 3, 4, 5, 6}
	vec := []float64{1, 1, 1}
	dst := make([]float64, 2)

	MatVecMul(dst, mat, vec, 2, 3)

	if dst[0] != 6 || dst[1] != 15 {
		t.Errorf("MatVecMul = %v, want [6 15]", dst)
	}
}
