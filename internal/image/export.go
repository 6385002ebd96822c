package image

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/containerd/platforms"
	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Settings for [Export].
type Options struct {
	Reference string    // Value of the org.opencontainers.image.ref.name annotation. Optional.
	Platform  string    // OCI platform (e.g., "linux/arm64"). Empty uses the host.
	Created   time.Time // Image creation time. Zero uses the current time.
	Env       []string  // Default environment of the image config.
	Cmd       []string  // Default command. Empty uses ["/bin/sh"].
}

// Archives root and writes it as an OCI image layout tarball to out.
//
// Returns the descriptor of the image manifest.
func Export(ctx context.Context, root, out string, opts Options) (ocispec.Descriptor, error) {
	platform, err := parsePlatform(opts.Platform)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	tmp, err := os.MkdirTemp(filepath.Dir(out), ".export-")
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %w", ErrExport, err)
	}
	defer os.RemoveAll(tmp)

	l, err := writeLayer(ctx, root, tmp)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: layer: %w", ErrExport, err)
	}

	config, configDesc, err := marshalBlob(ocispec.MediaTypeImageConfig, imageConfig(platform, l.diffID, opts))
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %w", ErrExport, err)
	}

	manifest, manifestDesc, err := marshalBlob(ocispec.MediaTypeImageManifest, ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageManifest,
		Config:    configDesc,
		Layers:    []ocispec.Descriptor{l.desc},
	})
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %w", ErrExport, err)
	}
	manifestDesc.Platform = &platform
	if opts.Reference != "" {
		manifestDesc.Annotations = map[string]string{ocispec.AnnotationRefName: opts.Reference}
	}

	index, _, err := marshalBlob(ocispec.MediaTypeImageIndex, ocispec.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageIndex,
		Manifests: []ocispec.Descriptor{manifestDesc},
	})
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %w", ErrExport, err)
	}

	layout, err := json.Marshal(ocispec.ImageLayout{Version: ocispec.ImageLayoutVersion})
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %w", ErrExport, err)
	}

	if err := writeArchive(out, tmp, []archiveEntry{
		{name: ocispec.ImageLayoutFile, data: layout},
		{name: ocispec.ImageIndexFile, data: index},
		{name: blobPath(manifestDesc.Digest), data: manifest},
		{name: blobPath(configDesc.Digest), data: config},
		{name: blobPath(l.desc.Digest), file: l.path},
	}); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %w", ErrExport, err)
	}

	slog.Info("image exported", "path", out, "manifest", manifestDesc.Digest, "layerSize", l.desc.Size)
	return manifestDesc, nil
}

// Returns the image config for a single-layer image.
func imageConfig(platform ocispec.Platform, diffID digest.Digest, opts Options) ocispec.Image {
	created := opts.Created
	if created.IsZero() {
		created = time.Now().UTC()
	}

	cmd := opts.Cmd
	if len(cmd) == 0 {
		cmd = []string{"/bin/sh"}
	}

	return ocispec.Image{
		Created:  &created,
		Platform: platform,
		Config: ocispec.ImageConfig{
			Env: opts.Env,
			Cmd: cmd,
		},
		RootFS: ocispec.RootFS{
			Type:    "layers",
			DiffIDs: []digest.Digest{diffID},
		},
	}
}

// Parses a platform string, defaulting to the host platform.
func parsePlatform(s string) (ocispec.Platform, error) {
	if s == "" {
		return platforms.Normalize(platforms.DefaultSpec()), nil
	}
	p, err := platforms.Parse(s)
	if err != nil {
		return ocispec.Platform{}, fmt.Errorf("%w: %w", ErrPlatform, err)
	}
	return platforms.Normalize(p), nil
}

// Serializes a value and returns its bytes with a descriptor that references
// them.
func marshalBlob(mediaType string, v any) ([]byte, ocispec.Descriptor, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, ocispec.Descriptor{}, err
	}
	return b, ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    digest.FromBytes(b),
		Size:      int64(len(b)),
	}, nil
}

// Path of a blob inside an image layout.
func blobPath(d digest.Digest) string {
	return path.Join(ocispec.ImageBlobsDir, d.Algorithm().String(), d.Encoded())
}

// One file of the output archive, either in memory or on disk.
type archiveEntry struct {
	name string
	data []byte
	file string
}

// Writes entries to a tar file at out. The file is written next to out
// first and renamed into place, so a failed export leaves nothing behind.
func writeArchive(out, tmp string, entries []archiveEntry) error {
	f, err := os.CreateTemp(tmp, "image-*.tar")
	if err != nil {
		return err
	}
	defer f.Close()

	tw := tar.NewWriter(f)
	dirs := map[string]bool{}

	for _, e := range entries {
		if err := writeParents(tw, e.name, dirs); err != nil {
			return err
		}
		if err := writeArchiveEntry(tw, e); err != nil {
			return fmt.Errorf("%s: %w", e.name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), out)
}

// Writes directory headers for the parents of name not written yet.
func writeParents(tw *tar.Writer, name string, dirs map[string]bool) error {
	dir := path.Dir(name)
	if dir == "." || dirs[dir] {
		return nil
	}
	if err := writeParents(tw, dir, dirs); err != nil {
		return err
	}
	dirs[dir] = true
	return tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeDir,
		Name:     dir + "/",
		Mode:     0755,
	})
}

// Writes one archive entry.
func writeArchiveEntry(tw *tar.Writer, e archiveEntry) error {
	if e.file == "" {
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     e.name,
			Mode:     0644,
			Size:     int64(len(e.data)),
		}); err != nil {
			return err
		}
		_, err := tw.Write(e.data)
		return err
	}

	f, err := os.Open(e.file)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	if err := tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     e.name,
		Mode:     0644,
		Size:     info.Size(),
	}); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
