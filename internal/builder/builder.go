// Package builder produces and publishes the images backends run.
package builder

import (
	"context"
	"errors"
)

// ErrBuildFailed is returned when the image build reports an error.
var ErrBuildFailed = errors.New("image build failed")

// ErrPushFailed is returned when the registry rejects an image push.
var ErrPushFailed = errors.New("image push failed")

// Descriptor describes what to build.
type Descriptor struct {
	ContextDir string            `json:"context_dir" mapstructure:"context"`
	Dockerfile string            `json:"dockerfile" mapstructure:"dockerfile"`
	Tag        string            `json:"tag" mapstructure:"tag"`
	BuildArgs  map[string]string `json:"build_args" mapstructure:"build_args"`
}

// Builder turns a Descriptor into an opaque image identifier.
type Builder interface {
	Build(ctx context.Context, d Descriptor) (string, error)
}

// RegistryAuth holds credentials for an image registry.
type RegistryAuth struct {
	Username      string
	Password      string
	ServerAddress string
}

// Pusher publishes a locally built image under ref.
type Pusher interface {
	Push(ctx context.Context, imageID, ref string, auth RegistryAuth) error
}

// ShortID trims the digest algorithm prefix and shortens id for display.
func ShortID(id string) string {
	if i := len("sha256:"); len(id) > i && id[:i] == "sha256:" {
		id = id[i:]
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}
