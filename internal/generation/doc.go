// Package generation defines the boundary between the task engine and the
// external AI providers that draft novel content. The engine only ever
// talks to the Generator interface; concrete clients live under
// internal/platform.
package generation
