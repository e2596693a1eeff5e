// Package blobstore fetches and stores content-addressed blobs (submission
// source, test case input/expected-output files) behind a small
// provider-agnostic interface, backed in production by S3.
package blobstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when ref names no blob.
var ErrNotFound = errors.New("blobstore: not found")

// Store fetches and stores blobs by content-addressed reference. Refs are
// opaque to callers; Submission.CodeBlobRef and TestCase file refs are both
// just Store keys.
type Store interface {
	// Get retrieves the blob named by ref. Returns ErrNotFound if absent.
	Get(ctx context.Context, ref string) ([]byte, error)

	// Put stores data under ref, overwriting any existing blob.
	Put(ctx context.Context, ref string, data []byte) error
}
