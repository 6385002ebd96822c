package image

import (
	"archive/tar"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/klauspost/compress/gzip"
	"github.com/moby/sys/mountinfo"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Compressed layer written to a temporary file.
type layer struct {
	path   string             // Temporary file holding the compressed blob.
	desc   ocispec.Descriptor // Descriptor of the compressed blob.
	diffID digest.Digest      // Digest of the uncompressed tar stream.
}

// Archives root into a gzip-compressed tar layer stored under dir.
func writeLayer(ctx context.Context, root, dir string) (*layer, error) {
	skip, err := mountPoints(root)
	if err != nil {
		return nil, err
	}

	f, err := os.CreateTemp(dir, "layer-*.tar.gz")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	compressed := digest.SHA256.Digester()
	uncompressed := digest.SHA256.Digester()

	counter := &countingWriter{w: io.MultiWriter(f, compressed.Hash())}
	gz := gzip.NewWriter(counter)
	tw := tar.NewWriter(io.MultiWriter(gz, uncompressed.Hash()))

	if err := writeTree(ctx, tw, root, skip); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}

	return &layer{
		path: f.Name(),
		desc: ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageLayerGzip,
			Digest:    compressed.Digest(),
			Size:      counter.n,
		},
		diffID: uncompressed.Digest(),
	}, nil
}

// Returns the mount points strictly below root.
func mountPoints(root string) (map[string]bool, error) {
	mounts, err := mountinfo.GetMounts(mountinfo.PrefixFilter(root))
	if err != nil {
		return nil, err
	}

	skip := make(map[string]bool, len(mounts))
	for _, m := range mounts {
		if m.Mountpoint != root {
			skip[m.Mountpoint] = true
		}
	}
	return skip, nil
}

// Writes every entry below root to tw, with paths relative to root.
//
// The contents of directories in skip are left out; the directories
// themselves are kept. Sockets are skipped. Hard links are preserved.
func writeTree(ctx context.Context, tw *tar.Writer, root string, skip map[string]bool) error {
	links := make(map[uint64]string)

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Mode()&fs.ModeSocket != 0 {
			return nil
		}

		if err := writeEntry(tw, path, name, info, links); err != nil {
			return err
		}

		if d.IsDir() && skip[path] {
			return filepath.SkipDir
		}
		return nil
	})
}

// Writes one entry: its header and, for regular files, its contents.
func writeEntry(tw *tar.Writer, path, name string, info fs.FileInfo, links map[uint64]string) error {
	var link string
	if info.Mode()&fs.ModeSymlink != 0 {
		target, err := os.Readlink(path)
		if err != nil {
			return err
		}
		link = target
	}

	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	header.Name = name
	if info.IsDir() && !strings.HasSuffix(header.Name, "/") {
		header.Name += "/"
	}
	header.Uname, header.Gname = "", ""

	if st, ok := info.Sys().(*syscall.Stat_t); ok && info.Mode().IsRegular() && st.Nlink > 1 {
		if first, seen := links[st.Ino]; seen {
			header.Typeflag = tar.TypeLink
			header.Linkname = first
			header.Size = 0
			return tw.WriteHeader(header)
		}
		links[st.Ino] = name
	}

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(tw, f)
	return err
}

// Counts bytes written through it.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
