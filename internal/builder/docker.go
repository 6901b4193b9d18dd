package builder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
)

// dockerAPI is the slice of the Docker SDK client used here.
type dockerAPI interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error)
	ImageTag(ctx context.Context, source, target string) error
	ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error)
	Close() error
}

// Docker builds and pushes images through the Docker Engine API.
type Docker struct {
	api      dockerAPI
	logger   *slog.Logger
	progress func(string)
}

// NewDocker connects to the Docker daemon described by the environment.
func NewDocker(logger *slog.Logger, opts ...client.Opt) (*Docker, error) {
	opts = append([]client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}, opts...)
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newDocker(cli, logger), nil
}

func newDocker(api dockerAPI, logger *slog.Logger) *Docker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Docker{api: api, logger: logger.With("component", "builder")}
}

// OnProgress registers fn to receive build and push output lines.
func (d *Docker) OnProgress(fn func(string)) { d.progress = fn }

func (d *Docker) Close() error { return d.api.Close() }

// Build tars d.ContextDir, sends it to the daemon, and returns the resulting image ID.
func (d *Docker) Build(ctx context.Context, desc Descriptor) (string, error) {
	if desc.ContextDir == "" {
		desc.ContextDir = "."
	}
	tar, err := archive.TarWithOptions(desc.ContextDir, &archive.TarOptions{})
	if err != nil {
		return "", fmt.Errorf("archive build context %s: %w", desc.ContextDir, err)
	}
	defer func() { _ = tar.Close() }()

	opts := build.ImageBuildOptions{
		Dockerfile:  desc.Dockerfile,
		Remove:      true,
		ForceRemove: true,
		BuildArgs:   buildArgs(desc.BuildArgs),
	}
	if desc.Tag != "" {
		opts.Tags = []string{desc.Tag}
	}
	d.logger.Info("building image", "context", desc.ContextDir, "dockerfile", desc.Dockerfile, "tag", desc.Tag)
	resp, err := d.api.ImageBuild(ctx, tar, opts)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBuildFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	id, err := d.consume(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBuildFailed, err)
	}
	if id == "" {
		return "", fmt.Errorf("%w: daemon reported no image id", ErrBuildFailed)
	}
	d.logger.Info("image built", "image", id)
	return id, nil
}

// Push tags imageID as ref and uploads it to the registry in ref.
func (d *Docker) Push(ctx context.Context, imageID, ref string, auth RegistryAuth) error {
	if err := d.api.ImageTag(ctx, imageID, ref); err != nil {
		return fmt.Errorf("tag %s as %s: %w", ShortID(imageID), ref, err)
	}
	encoded, err := registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      auth.Username,
		Password:      auth.Password,
		ServerAddress: auth.ServerAddress,
	})
	if err != nil {
		return fmt.Errorf("encode registry auth: %w", err)
	}
	d.logger.Info("pushing image", "image", ShortID(imageID), "ref", ref)
	rc, err := d.api.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: encoded})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPushFailed, err)
	}
	defer func() { _ = rc.Close() }()
	if _, err := d.consume(rc); err != nil {
		return fmt.Errorf("%w: %v", ErrPushFailed, err)
	}
	return nil
}

// message is one line of the daemon's JSON progress stream.
type message struct {
	Stream      string `json:"stream"`
	Status      string `json:"status"`
	Error       string `json:"error"`
	ErrorDetail *struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
	Aux json.RawMessage `json:"aux"`
}

// consume drains a progress stream, forwarding output and returning the
// image ID announced in an aux message, if any.
func (d *Docker) consume(r io.Reader) (string, error) {
	dec := json.NewDecoder(r)
	var id string
	for {
		var m message
		if err := dec.Decode(&m); err != nil {
			if errors.Is(err, io.EOF) {
				return id, nil
			}
			return id, fmt.Errorf("decode progress: %w", err)
		}
		if m.ErrorDetail != nil && m.ErrorDetail.Message != "" {
			return id, errors.New(m.ErrorDetail.Message)
		}
		if m.Error != "" {
			return id, errors.New(m.Error)
		}
		if len(m.Aux) > 0 {
			var aux struct {
				ID string `json:"ID"`
			}
			if json.Unmarshal(m.Aux, &aux) == nil && aux.ID != "" {
				id = aux.ID
			}
		}
		line := strings.TrimRight(m.Stream, "\n")
		if line == "" {
			line = m.Status
		}
		if line != "" {
			d.logger.Debug(line)
			if d.progress != nil {
				d.progress(line)
			}
		}
	}
}

func buildArgs(in map[string]string) map[string]*string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]*string, len(in))
	for k, v := range in {
		out[k] = &v
	}
	return out
}
