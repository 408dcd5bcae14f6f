// Package queue provides per-queue concurrency caps and token-bucket
// rate limiting for the worker pool.
//
// Each job type can be routed to a named queue; the [Manager] decides
// at dispatch time whether a claimed job may start now. A job denied
// admission is returned to the store untouched and picked up again on
// a later poll, so limits create backpressure instead of drops.
package queue
