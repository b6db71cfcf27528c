// Package services defines the shared error vocabulary used by the remote
// clients and the pipeline to classify failures into retry and terminal
// outcomes.
package services
