package sketch

import "errors"

// ErrBadSketchLength is returned by FromBytes when a stored sketch's byte
// width doesn't match the engine's fixed register count — a sign of a
// corrupt row or a data directory from an incompatible engine version.
var ErrBadSketchLength = errors.New("sketch: stored register width does not match current precision")
