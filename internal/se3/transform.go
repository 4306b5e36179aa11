// Package se3 provides rigid 3D transforms with optional uncertainty for
// the pose graph and localization chain.
//
// A Transform maps points expressed in its "child" frame into its "parent"
// frame: p_parent = R*p_child + t. Naming follows the chain convention
// TLeafPetiole etc., where T_a_b composes as T_a_c = T_a_b.Mul(T_b_c).
//
// The zero value of Transform is explicitly *unset*. An unset transform is
// a distinct state, never an implicit identity: composing or inverting one
// panics, because it always indicates a sequencing bug in the caller.
package se3

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// CovDim is the dimension of the uncertainty covariance: three translation
// axes followed by three rotation axes.
const CovDim = 6

// Transform is a rigid transform (unit quaternion rotation plus
// translation) with an optional 6x6 covariance.
type Transform struct {
	rot   quat.Number
	trans r3.Vec
	cov   *mat.SymDense // nil when no covariance is attached
	set   bool
}

// Identity returns the identity transform with no covariance.
func Identity() Transform {
	return Transform{rot: quat.Number{Real: 1}, set: true}
}

// FromTranslation returns a pure translation.
func FromTranslation(t r3.Vec) Transform {
	return Transform{rot: quat.Number{Real: 1}, trans: t, set: true}
}

// FromAxisAngle returns the transform rotating by angle (radians) about
// axis, then translating by t.
func FromAxisAngle(axis r3.Vec, angle float64, t r3.Vec) Transform {
	r := r3.NewRotation(angle, axis)
	return Transform{rot: quat.Number(r), trans: t, set: true}
}

// FromQuatTrans builds a transform from a quaternion (normalised here) and
// a translation.
func FromQuatTrans(q quat.Number, t r3.Vec) Transform {
	n := quat.Abs(q)
	if n == 0 {
		q = quat.Number{Real: 1}
	} else {
		q = quat.Scale(1/n, q)
	}
	return Transform{rot: q, trans: t, set: true}
}

// IsSet reports whether the transform has been assigned a value. The zero
// value reports false.
func (t Transform) IsSet() bool { return t.set }

// Translation returns the translation component.
func (t Transform) Translation() r3.Vec {
	t.mustBeSet("Translation")
	return t.trans
}

// Rotation returns the unit quaternion rotation component.
func (t Transform) Rotation() quat.Number {
	t.mustBeSet("Rotation")
	return t.rot
}

// HasCovariance reports whether a covariance is attached.
func (t Transform) HasCovariance() bool { return t.cov != nil }

// Covariance returns a copy of the attached covariance, or nil.
func (t Transform) Covariance() *mat.SymDense {
	if t.cov == nil {
		return nil
	}
	out := mat.NewSymDense(CovDim, nil)
	out.CopySym(t.cov)
	return out
}

// WithCovariance returns a copy of t carrying the given covariance. A nil
// argument detaches any covariance.
func (t Transform) WithCovariance(cov *mat.SymDense) Transform {
	t.mustBeSet("WithCovariance")
	if cov == nil {
		t.cov = nil
		return t
	}
	if r := cov.SymmetricDim(); r != CovDim {
		panic(fmt.Sprintf("se3: covariance must be %dx%d, got %dx%d", CovDim, CovDim, r, r))
	}
	c := mat.NewSymDense(CovDim, nil)
	c.CopySym(cov)
	t.cov = c
	return t
}

// WithZeroCovariance returns a copy of t carrying an all-zero covariance,
// marking it as exactly known rather than unknown.
func (t Transform) WithZeroCovariance() Transform {
	return t.WithCovariance(mat.NewSymDense(CovDim, nil))
}

// Apply maps a point from the child frame into the parent frame.
func (t Transform) Apply(p r3.Vec) r3.Vec {
	t.mustBeSet("Apply")
	return r3.Add(r3.Rotation(t.rot).Rotate(p), t.trans)
}

// Mul composes two transforms: if t is T_a_b and o is T_b_c the result is
// T_a_c. Covariances, when present on either side, are propagated to the
// composed frame via the adjoint of t.
func (t Transform) Mul(o Transform) Transform {
	t.mustBeSet("Mul")
	o.mustBeSet("Mul")
	q := quat.Mul(t.rot, o.rot)
	if n := quat.Abs(q); n != 0 {
		q = quat.Scale(1/n, q)
	}
	out := Transform{
		rot:   q,
		trans: r3.Add(r3.Rotation(t.rot).Rotate(o.trans), t.trans),
		set:   true,
	}
	if t.cov == nil && o.cov == nil {
		return out
	}
	sum := mat.NewDense(CovDim, CovDim, nil)
	if t.cov != nil {
		sum.Add(sum, t.cov)
	}
	if o.cov != nil {
		ad := t.adjoint()
		var tmp, prop mat.Dense
		tmp.Mul(ad, o.cov)
		prop.Mul(&tmp, ad.T())
		sum.Add(sum, &prop)
	}
	out.cov = symmetrize(sum)
	return out
}

// Inverse returns the transform mapping the parent frame back into the
// child frame. An attached covariance is propagated through the inverse
// adjoint.
func (t Transform) Inverse() Transform {
	t.mustBeSet("Inverse")
	qi := quat.Conj(t.rot)
	out := Transform{
		rot:   qi,
		trans: r3.Scale(-1, r3.Rotation(qi).Rotate(t.trans)),
		set:   true,
	}
	if t.cov != nil {
		ad := out.adjoint()
		var tmp, prop mat.Dense
		tmp.Mul(ad, t.cov)
		prop.Mul(&tmp, ad.T())
		out.cov = symmetrize(&prop)
	}
	return out
}

// TranslationNorm returns the magnitude of the translation component in
// metres.
func (t Transform) TranslationNorm() float64 {
	t.mustBeSet("TranslationNorm")
	return r3.Norm(t.trans)
}

// RotationAngle returns the magnitude of the rotation in radians,
// in [0, pi].
func (t Transform) RotationAngle() float64 {
	t.mustBeSet("RotationAngle")
	w := t.rot.Real
	if w < 0 {
		w = -w
	}
	if w > 1 {
		w = 1
	}
	return 2 * math.Acos(w)
}

// AlmostEqual reports whether two transforms agree within tol, comparing
// translation difference and rotation angle difference. Unset transforms
// are only equal to other unset transforms.
func AlmostEqual(a, b Transform, tol float64) bool {
	if !a.set || !b.set {
		return a.set == b.set
	}
	d := a.Inverse().Mul(b)
	return d.TranslationNorm() <= tol && d.RotationAngle() <= tol
}

// String renders the transform for logging.
func (t Transform) String() string {
	if !t.set {
		return "se3.Transform(unset)"
	}
	return fmt.Sprintf("t=(%.3f, %.3f, %.3f) angle=%.4frad",
		t.trans.X, t.trans.Y, t.trans.Z, t.RotationAngle())
}

// adjoint returns the 6x6 adjoint of the transform, ordered
// [translation; rotation], used for covariance propagation.
func (t Transform) adjoint() *mat.Dense {
	r := t.rotationMatrix()
	tx := skew(t.trans)
	var txr mat.Dense
	txr.Mul(tx, r)

	ad := mat.NewDense(CovDim, CovDim, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			ad.Set(i, j, r.At(i, j))
			ad.Set(i, j+3, txr.At(i, j))
			ad.Set(i+3, j+3, r.At(i, j))
		}
	}
	return ad
}

// rotationMatrix expands the unit quaternion into a 3x3 rotation matrix.
func (t Transform) rotationMatrix() *mat.Dense {
	w, x, y, z := t.rot.Real, t.rot.Imag, t.rot.Jmag, t.rot.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

func skew(v r3.Vec) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	})
}

func symmetrize(m *mat.Dense) *mat.SymDense {
	out := mat.NewSymDense(CovDim, nil)
	for i := 0; i < CovDim; i++ {
		for j := i; j < CovDim; j++ {
			out.SetSym(i, j, 0.5*(m.At(i, j)+m.At(j, i)))
		}
	}
	return out
}

func (t Transform) mustBeSet(op string) {
	if !t.set {
		panic("se3: " + op + " on unset transform")
	}
}
