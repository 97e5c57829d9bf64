package session

import (
	"sync"

	"gonum.org/v1/gonum/mat"

	"eyeinhand/estimator"
	"eyeinhand/frames"
)

// TransformCache is the single-slot, last-write-wins register holding the
// most recent object-in-camera transform. The detection worker overwrites
// it wholesale once per processed frame; a held slot always describes the
// latest frame, never a merge of frames. Latest returning false means the
// target marker was absent from the most recent frame.
type TransformCache struct {
	mu  sync.Mutex
	val *mat.Dense
	ok  bool
}

// Set replaces the cached transform.
func (c *TransformCache) Set(t *mat.Dense) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.val = t
	c.ok = true
}

// Clear empties the slot, recording that the latest frame had no usable
// marker.
func (c *TransformCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.val = nil
	c.ok = false
}

// Latest returns the cached transform, or false if the latest frame held
// none.
func (c *TransformCache) Latest() (*mat.Dense, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.val, c.ok
}

// PoseRegister is the same last-write-wins register for the most recent raw
// end-effector pose vector. The slice is copied on both sides so a producer
// reusing its buffer cannot corrupt a held sample.
type PoseRegister struct {
	mu   sync.Mutex
	pose []float64
	mode frames.OrientationMode
	ok   bool
}

// Set replaces the tracked pose.
func (r *PoseRegister) Set(pose []float64, mode frames.OrientationMode) {
	cp := make([]float64, len(pose))
	copy(cp, pose)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pose = cp
	r.mode = mode
	r.ok = true
}

// Latest returns a copy of the tracked pose, or false if none has arrived.
func (r *PoseRegister) Latest() ([]float64, frames.OrientationMode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ok {
		return nil, 0, false
	}
	cp := make([]float64, len(r.pose))
	copy(cp, r.pose)
	return cp, r.mode, true
}

// IntrinsicsRegister loads camera intrinsics once; the first successful
// load wins and everything after it is ignored.
type IntrinsicsRegister struct {
	mu     sync.Mutex
	intr   estimator.Intrinsics
	loaded bool
}

// Load stores the intrinsics if none are held yet. It reports whether this
// call was the winning load.
func (r *IntrinsicsRegister) Load(in estimator.Intrinsics) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return false
	}
	r.intr = in
	r.loaded = true
	return true
}

// Get returns the loaded intrinsics, or false if none have been loaded.
func (r *IntrinsicsRegister) Get() (estimator.Intrinsics, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.intr, r.loaded
}
