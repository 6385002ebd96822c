package environment

import (
	"fmt"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// Filesystem kinds a stage may mount inside the build root.
type MountType string

const (
	MountProc     MountType = "proc"
	MountSysfs    MountType = "sysfs"
	MountDevtmpfs MountType = "devtmpfs"
	MountDevpts   MountType = "devpts"
	MountTmpfs    MountType = "tmpfs"
	MountBind     MountType = "bind"
)

// Describes a mount inside the build root.
type MountSpec struct {
	Type     MountType `yaml:"type"`
	Source   string    `yaml:"source,omitempty"`  // Host path, bind mounts only.
	Target   string    `yaml:"target"`            // Path relative to the build root.
	Options  string    `yaml:"options,omitempty"` // Filesystem data (e.g., "size=64m").
	ReadOnly bool      `yaml:"readOnly,omitempty"`
}

// Returns a short description such as "proc on proc" or "bind /dev on dev".
func (s MountSpec) String() string {
	if s.Type == MountBind {
		return fmt.Sprintf("bind %s on %s", s.Source, s.Target)
	}
	return fmt.Sprintf("%s on %s", s.Type, s.Target)
}

// Checks that the spec is complete.
func (s MountSpec) Validate() error {
	if s.Target == "" {
		return fmt.Errorf("%w: %s: missing target", ErrMountSpec, s.Type)
	}
	switch s.Type {
	case MountProc, MountSysfs, MountDevtmpfs, MountDevpts, MountTmpfs:
		return nil
	case MountBind:
		if s.Source == "" {
			return fmt.Errorf("%w: bind on %s: missing source", ErrMountSpec, s.Target)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMountSpec, s.Type)
	}
}

// Performs mounts on behalf of an environment.
type Mounter interface {
	Mount(spec MountSpec, target string) error // target is absolute.
	Unmount(target string) error               // No-op when nothing is mounted at target.
}

// Mounts with mount(2). Requires CAP_SYS_ADMIN.
type SystemMounter struct{}

// Creates the mount point if needed and mounts spec on it.
func (SystemMounter) Mount(spec MountSpec, target string) error {
	if err := mountPoint(spec, target); err != nil {
		return err
	}

	source, fstype, flags, data := mountArgs(spec)
	if err := unix.Mount(source, target, fstype, flags, data); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMount, spec, err)
	}

	// MS_RDONLY is ignored on the initial bind, it needs a remount.
	if spec.Type == MountBind && spec.ReadOnly {
		remount := uintptr(unix.MS_REMOUNT | unix.MS_BIND | unix.MS_RDONLY)
		if err := unix.Mount("", target, "", remount, ""); err != nil {
			unix.Unmount(target, unix.MNT_DETACH)
			return fmt.Errorf("%w: %s read-only: %w", ErrMount, spec, err)
		}
	}

	return nil
}

// Detaches whatever is mounted at target, including submounts.
func (SystemMounter) Unmount(target string) error {
	mounted, err := mountinfo.Mounted(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !mounted {
		return nil
	}
	return unix.Unmount(target, unix.MNT_DETACH)
}

// Returns mount(2) arguments for a spec.
func mountArgs(spec MountSpec) (source, fstype string, flags uintptr, data string) {
	data = spec.Options
	switch spec.Type {
	case MountProc:
		source, fstype = "proc", "proc"
		flags = unix.MS_NOSUID | unix.MS_NODEV | unix.MS_NOEXEC
	case MountSysfs:
		source, fstype = "sysfs", "sysfs"
		flags = unix.MS_NOSUID | unix.MS_NODEV | unix.MS_NOEXEC
	case MountDevtmpfs:
		source, fstype = "devtmpfs", "devtmpfs"
		flags = unix.MS_NOSUID
	case MountDevpts:
		source, fstype = "devpts", "devpts"
		flags = unix.MS_NOSUID | unix.MS_NOEXEC
		if data == "" {
			data = "gid=5,mode=620,ptmxmode=666"
		}
	case MountTmpfs:
		source, fstype = "tmpfs", "tmpfs"
		flags = unix.MS_NOSUID | unix.MS_NODEV
	case MountBind:
		source = spec.Source
		flags = unix.MS_BIND | unix.MS_REC
	}
	if spec.ReadOnly && spec.Type != MountBind {
		flags |= unix.MS_RDONLY
	}
	return source, fstype, flags, data
}

// Creates the mount point: an empty file when bind-mounting a file, a
// directory otherwise.
func mountPoint(spec MountSpec, target string) error {
	if spec.Type == MountBind {
		info, err := os.Stat(spec.Source)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrMount, spec, err)
		}
		if !info.IsDir() {
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("%w: %s: %w", ErrMount, spec, err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_RDONLY, 0644)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrMount, spec, err)
			}
			return f.Close()
		}
	}

	if err := os.MkdirAll(target, 0755); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMount, spec, err)
	}
	return nil
}

// Resolves a root-relative target to a host path that cannot escape root,
// even through symlinks a stage created inside it.
func resolveTarget(root, target string) (string, error) {
	path, err := securejoin.SecureJoin(root, target)
	if err != nil {
		return "", fmt.Errorf("%w: target %q: %w", ErrMountSpec, target, err)
	}
	if path == filepath.Clean(root) {
		return "", fmt.Errorf("%w: target %q is the build root", ErrMountSpec, target)
	}
	return path, nil
}
