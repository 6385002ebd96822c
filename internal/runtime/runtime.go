package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	goruntime "runtime"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
)

const (

	// Default containerd socket address.
	DefaultAddress = "/run/containerd/containerd.sock"

	// Default containerd namespace for images and containers.
	DefaultNamespace = "stager"

	// Default snapshotter for container filesystems. Stages already need
	// mount privileges, so the kernel overlay driver is available.
	DefaultSnapshotter = "overlayfs"

	// OCI runtime shim for running containers.
	ociRuntime = "io.containerd.runc.v2"
)

// Connection settings for a [Runtime].
type Config struct {
	Address     string // Containerd socket address. Empty uses [DefaultAddress].
	Namespace   string // Containerd namespace. Empty uses [DefaultNamespace].
	Snapshotter string // Snapshotter name. Empty uses [DefaultSnapshotter].
}

// Describes a container to start.
type ContainerConfig struct {
	Archive  string   // Path to the base OCI archive.
	ID       string   // Containerd container ID.
	Platform string   // OCI platform. Empty uses the host platform.
	Binds    []string // Host directories bind-mounted at the same path.
}

// Manages the containerd client.
type Runtime struct {
	client      *containerd.Client // Containerd client for managing containers and images.
	snapshotter string             // Snapshotter for new containers.
}

// Creates a runtime connected to containerd.
//
// The runtime must be closed when no longer needed.
func New(cfg Config) (*Runtime, error) {
	address := cfg.Address
	if address == "" {
		address = DefaultAddress
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}

	snapshotter := cfg.Snapshotter
	if snapshotter == "" {
		snapshotter = DefaultSnapshotter
	}

	client, err := containerd.New(address, containerd.WithDefaultNamespace(namespace))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	return &Runtime{client: client, snapshotter: snapshotter}, nil
}

// Closes the containerd client connection.
func (rt *Runtime) Close() error {
	return rt.client.Close()
}

// Imports the base archive, unpacks it and starts an idle container.
//
// Any existing container with the same ID is removed first. The task runs
// "sleep infinity" so that [Container.Exec] has a running process to attach
// to.
func (rt *Runtime) StartContainer(ctx context.Context, cfg ContainerConfig) (*Container, error) {
	platform := cfg.Platform
	if platform == "" {
		platform = defaultPlatform()
	}
	tag := imageTag(cfg.Archive)

	source, err := rt.importArchive(ctx, cfg.Archive)
	if err != nil {
		return nil, fmt.Errorf("%w: import %s: %w", ErrRuntime, cfg.Archive, err)
	}

	if err := rt.tagImage(ctx, source, tag); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	image, err := rt.resolveImage(ctx, tag, platform)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	if err := image.Unpack(ctx, rt.snapshotter); err != nil {
		return nil, fmt.Errorf("%w: unpack: %w", ErrRuntime, err)
	}

	c := &Container{
		client:      rt.client,
		id:          cfg.ID,
		platform:    platform,
		snapshotter: rt.snapshotter,
	}

	// Remove a stale container left by an interrupted run with the same ID.
	c.remove(ctx)

	ctr, err := c.create(ctx, image, bindMounts(cfg.Binds))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	if err := c.startTask(ctx, ctr); err != nil {
		ctr.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	slog.Debug("container started", "id", cfg.ID, "image", tag, "platform", platform)
	return c, nil
}

// Imports an OCI archive into the content store.
//
// The archive must contain exactly one image. A multi-platform image is a
// single index entry; the platform is selected later.
func (rt *Runtime) importArchive(ctx context.Context, path string) (images.Image, error) {
	fh, err := os.Open(path)
	if err != nil {
		return images.Image{}, err
	}
	defer fh.Close()

	imported, err := rt.client.Import(ctx, fh)
	if err != nil {
		return images.Image{}, err
	}

	switch len(imported) {
	case 0:
		return images.Image{}, ErrEmptyArchive
	case 1:
		return imported[0], nil
	default:
		return images.Image{}, ErrMultipleImages
	}
}

// Tags an imported image under a deterministic name, replacing an older
// target, and drops the source record when its name differs.
func (rt *Runtime) tagImage(ctx context.Context, source images.Image, tag string) error {
	is := rt.client.ImageService()

	img := images.Image{
		Name:   tag,
		Target: source.Target,
	}

	if _, err := is.Create(ctx, img); err != nil {
		if !errdefs.IsAlreadyExists(err) {
			return err
		}
		if _, err := is.Update(ctx, img, "target"); err != nil {
			return err
		}
	}

	if source.Name != tag {
		_ = is.Delete(ctx, source.Name)
	}

	return nil
}

// Looks up a tagged image restricted to one platform.
func (rt *Runtime) resolveImage(ctx context.Context, tag, platform string) (containerd.Image, error) {
	p, err := platforms.Parse(platform)
	if err != nil {
		return nil, err
	}

	img, err := rt.client.ImageService().Get(ctx, tag)
	if err != nil {
		return nil, err
	}

	return containerd.NewImageWithPlatform(rt.client, img, platforms.Only(p)), nil
}

// Produces a containerd image tag from an archive path.
//
// The path is hashed so the tag is a valid reference whatever characters the
// path contains.
func imageTag(path string) string {
	h := sha256.Sum256([]byte(path))
	return fmt.Sprintf("import/%s:latest", hex.EncodeToString(h[:]))
}

// Returns the Linux platform matching the host architecture.
func defaultPlatform() string {
	return "linux/" + goruntime.GOARCH
}

// Returns a handle for a container by ID.
//
// The container is not loaded or verified; the handle resolves it lazily, so
// it can destroy a container whose creation was interrupted.
func (rt *Runtime) Container(id string) *Container {
	return &Container{
		client:      rt.client,
		id:          id,
		platform:    defaultPlatform(),
		snapshotter: rt.snapshotter,
	}
}
