// Package services defines the error taxonomy shared across the render
// pipeline. Sentinel markers classify failures for terminal job states and
// for HTTP status mapping at the API boundary.
package services
