package genrouter

import "context"

// Artifact is raw generated output plus the metadata a store needs to
// file it.
type Artifact struct {
	Data        []byte
	ContentType string
	UserID      string
	RequestID   string
	Mode        Mode
}

// ArtifactRef is an opaque reference to a stored artifact. The engine
// never inspects storage internals beyond this.
type ArtifactRef struct {
	Key string `json:"key,omitempty"`
	URL string `json:"url,omitempty"`
}

// ArtifactStore persists generated artifacts. Implementations are
// collaborators (see storage/s3); when none is injected, provider-hosted
// URLs pass through untouched and raw bytes are returned unreferenced.
type ArtifactStore interface {
	Put(ctx context.Context, artifact Artifact) (ArtifactRef, error)
}
