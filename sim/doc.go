// Package sim provides the Timer that drives a lifesim simulation.
//
// Objects bind periodic callbacks to the Timer with the interval they need.
// On every tick the Timer fires the callbacks that are due, then lets objects
// that armed a post-tick slot recompute in a fixed order of groups (matter,
// electrical, thermal, post_physics) and levels. Finally it picks the next
// step so that the earliest due callback is hit exactly.
package sim
