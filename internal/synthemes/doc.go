// Package synthemes loads theme definitions from disk at startup and
// indexes them in an immutable registry. A theme is an opaque argument
// template for the transcoding engine; no effect semantics live in code.
package synthemes
