package cpu

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/crossmodal/diffnet/ml"
)

func newTestContext(t *testing.T) ml.Context {
	t.Helper()

	ctx := (&Backend{}).NewContext()
	t.Cleanup(func() { ctx.Close() })
	return ctx
}

func fromFloats(t *testing.T, ctx ml.Context, s []float32, shape ...int) ml.Tensor {
	t.Helper()

	out, err := ctx.FromFloatSlice(s, shape...)
	if err != nil {
		t.Fatal(err)
	}

	return out
}

var approx = cmpopts.EquateApprox(0, 1e-5)

func TestBinaryOps(t *testing.T) {
	ctx := newTestContext(t)

	cases := []struct {
		name      string
		a, b      []float32
		ashape    []int
		bshape    []int
		op        func(ml.Tensor, ml.Tensor) ml.Tensor
		want      []float32
		wantShape []int
	}{
		{
			name:   "add same shape",
			a:      []float32{1, 2, 3, 4},
			ashape: []int{2, 2},
			b:      []float32{10, 20, 30, 40},
			bshape: []int{2, 2},
			op: func(a, b ml.Tensor) ml.Tensor {
				return a.Add(ctx, b)
			},
			want:      []float32{11, 22, 33, 44},
			wantShape: []int{2, 2},
		},
		{
			name:   "add broadcast row",
			a:      []float32{1, 2, 3, 4},
			ashape: []int{2, 2},
			b:      []float32{10, 20},
			bshape: []int{1, 2},
			op: func(a, b ml.Tensor) ml.Tensor {
				return a.Add(ctx, b)
			},
			want:      []float32{11, 22, 13, 24},
			wantShape: []int{2, 2},
		},
		{
			name:   "mul broadcast column",
			a:      []float32{1, 2, 3, 4},
			ashape: []int{2, 2},
			b:      []float32{2, 10},
			bshape: []int{2, 1},
			op: func(a, b ml.Tensor) ml.Tensor {
				return a.Mul(ctx, b)
			},
			want:      []float32{2, 4, 30, 40},
			wantShape: []int{2, 2},
		},
		{
			name:   "div",
			a:      []float32{2, 9},
			ashape: []int{1, 2},
			b:      []float32{2, 3},
			bshape: []int{1, 2},
			op: func(a, b ml.Tensor) ml.Tensor {
				return a.Div(ctx, b)
			},
			want:      []float32{1, 3},
			wantShape: []int{1, 2},
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			a := fromFloats(t, ctx, tt.a, tt.ashape...)
			b := fromFloats(t, ctx, tt.b, tt.bshape...)
			got := tt.op(a, b)

			if diff := cmp.Diff(tt.wantShape, got.Shape()); diff != "" {
				t.Errorf("shape mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.want, got.Floats(), approx); diff != "" {
				t.Errorf("values mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBinaryOpShapeMismatch(t *testing.T) {
	ctx := newTestContext(t)
	a := fromFloats(t, ctx, []float32{1, 2, 3, 4, 5, 6}, 2, 3)
	b := fromFloats(t, ctx, []float32{1, 2, 3, 4}, 2, 2)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on mismatched dims")
		}
	}()
	a.Add(ctx, b)
}

func TestScalarOps(t *testing.T) {
	ctx := newTestContext(t)
	x := fromFloats(t, ctx, []float32{1, 4, 9}, 3)

	if diff := cmp.Diff([]float32{3, 6, 11}, x.AddScalar(ctx, 2).Floats(), approx); diff != "" {
		t.Errorf("AddScalar mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{2, 8, 18}, x.Scale(ctx, 2).Floats(), approx); diff != "" {
		t.Errorf("Scale mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{1, 2, 3}, x.Sqrt(ctx).Floats(), approx); diff != "" {
		t.Errorf("Sqrt mismatch (-want +got):\n%s", diff)
	}
}

func TestActivations(t *testing.T) {
	ctx := newTestContext(t)
	x := fromFloats(t, ctx, []float32{0, 1, -1}, 3)

	if diff := cmp.Diff([]float32{0, 0.7310586, -0.2689414}, x.SILU(ctx).Floats(), approx); diff != "" {
		t.Errorf("SILU mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{0, 0.8413447, -0.15865526}, x.GELU(ctx).Floats(), approx); diff != "" {
		t.Errorf("GELU mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{0, 0.7615942, -0.7615942}, x.Tanh(ctx).Floats(), approx); diff != "" {
		t.Errorf("Tanh mismatch (-want +got):\n%s", diff)
	}
}

func TestSoftmax(t *testing.T) {
	ctx := newTestContext(t)
	x := fromFloats(t, ctx, []float32{1, 2, 3, 0, 0, 0}, 2, 3)
	got := x.Softmax(ctx).Floats()

	want := []float32{
		0.09003057, 0.24472848, 0.66524094,
		1. / 3, 1. / 3, 1. / 3,
	}
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("softmax mismatch (-want +got):\n%s", diff)
	}
}

func TestReductions(t *testing.T) {
	ctx := newTestContext(t)
	x := fromFloats(t, ctx, []float32{1, 2, 3, 4, 5, 6}, 2, 3)

	mean := x.Mean(ctx, 1)
	if diff := cmp.Diff([]int{2}, mean.Shape()); diff != "" {
		t.Errorf("mean shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{2, 5}, mean.Floats(), approx); diff != "" {
		t.Errorf("mean values mismatch (-want +got):\n%s", diff)
	}

	sum := x.Sum(ctx, 1)
	if diff := cmp.Diff([]int{2, 1}, sum.Shape()); diff != "" {
		t.Errorf("sum shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{6, 15}, sum.Floats(), approx); diff != "" {
		t.Errorf("sum values mismatch (-want +got):\n%s", diff)
	}

	meanOuter := x.Mean(ctx, 0)
	if diff := cmp.Diff([]float32{2.5, 3.5, 4.5}, meanOuter.Floats(), approx); diff != "" {
		t.Errorf("outer mean mismatch (-want +got):\n%s", diff)
	}
}

func TestMulmat(t *testing.T) {
	ctx := newTestContext(t)

	// Receiver rows are [o, k] weights, argument rows are [s, k] vectors.
	w := fromFloats(t, ctx, []float32{
		1, 2, 3,
		4, 5, 6,
	}, 2, 3)
	x := fromFloats(t, ctx, []float32{
		1, 1, 1,
		0, 1, 0,
	}, 2, 3)

	got := w.Mulmat(ctx, x)
	if diff := cmp.Diff([]int{2, 2}, got.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{6, 15, 2, 5}, got.Floats(), approx); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestMulmatBatchBroadcast(t *testing.T) {
	ctx := newTestContext(t)

	w := fromFloats(t, ctx, []float32{
		1, 0,
		0, 2,
	}, 2, 2)
	x := fromFloats(t, ctx, []float32{
		1, 2,
		3, 4,
		5, 6,
	}, 3, 1, 2)

	got := w.Mulmat(ctx, x)
	if diff := cmp.Diff([]int{3, 1, 2}, got.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{1, 4, 3, 8, 5, 12}, got.Floats(), approx); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
}
