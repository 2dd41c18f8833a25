// Package fusion estimates device orientation from inertial samples.
//
// Responsibilities: quaternion propagation from bias-corrected angular
// velocity, gravity and magnetic-north correction with adaptive gain,
// online gyroscope bias estimation, and rejection of malformed samples.
// Key types: Filter, Sample, Estimate.
//
// The filter is a Mahony-style PI complementary filter. It does no I/O and
// holds only fixed per-instance state, so the same sample sequence always
// yields the same estimate.
package fusion
