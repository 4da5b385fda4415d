// Package queue persists uploads, render jobs, and artifacts in SQLite.
// Job state transitions are enforced in SQL with compare-and-set updates,
// so a terminal state can never be left and concurrent settlers cannot both
// win.
package queue
