// Package ui coordinates presentation state between the host and the
// embedded frame: fullscreen and a size clamped to usable bounds.
package ui
