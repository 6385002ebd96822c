// Package image exports a finished build root as an OCI image.
//
// [Export] archives the build root into a single gzip-compressed layer and
// writes an OCI image layout (oci-layout, index.json and content-addressed
// blobs) as one tar file, which container runtimes can import directly.
// Filesystems mounted inside the root are not archived: their mount points
// appear as empty directories.
//
// Example usage:
//
//	desc, err := image.Export(ctx, env.RootPath(), "rootfs.tar", image.Options{
//	    Reference: "example.com/appliance:latest",
//	})
package image
