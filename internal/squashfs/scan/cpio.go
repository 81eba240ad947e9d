package scan

import (
	"bytes"
	"io"

	"github.com/cavaliercoder/go-cpio"
	"golang.org/x/xerrors"

	"github.com/distr1/mksquashfs/internal/squashfs/tree"
)

// FromCPIO adds every entry of a cpio archive (the "newc" format
// cavaliercoder/go-cpio reads, the same format cmd/distri/initrd.go
// writes with cpio.NewWriter) under dest in t. It is the read-side
// counterpart of that initramfs-building code: this module's teacher
// only ever writes cpio archives, never reads them back, so packing an
// existing initramfs into a squashfs image has no teacher precedent to
// adapt beyond the Header field layout itself.
func FromCPIO(t *tree.Tree, r io.Reader, dest string) error {
	cr := cpio.NewReader(r)
	links := make(hardlinks)
	var syntheticDev uint64 = 1

	for {
		hdr, err := cr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return xerrors.Errorf("scan.FromCPIO: %w", err)
		}
		name := trimCPIOName(hdr.Name)
		if name == "" || name == "." {
			continue
		}

		n := tree.Node{
			Mode:  uint16(hdr.Mode.Perm()),
			UID:   uint32(hdr.Uid),
			GID:   uint32(hdr.Gid),
			Mtime: hdr.ModTime.Unix(),
		}

		switch {
		case hdr.Mode.IsDir():
			n.Kind = tree.Dir
		case hdr.Mode&cpio.ModeSymlink == cpio.ModeSymlink:
			target, err := io.ReadAll(cr)
			if err != nil {
				return xerrors.Errorf("scan.FromCPIO: %w", err)
			}
			n.Kind = tree.Symlink
			n.Target = string(target)
		case hdr.Mode&cpio.ModeCharDevice == cpio.ModeCharDevice:
			n.Kind = tree.CharDev
			n.Rdev = rdevOf(hdr)
		case hdr.Mode&cpio.ModeDevice == cpio.ModeDevice:
			n.Kind = tree.BlockDev
			n.Rdev = rdevOf(hdr)
		case hdr.Mode&cpio.ModeNamedPipe == cpio.ModeNamedPipe:
			n.Kind = tree.Fifo
		case hdr.Mode&cpio.ModeSocket == cpio.ModeSocket:
			n.Kind = tree.Socket
		default:
			n.Kind = tree.File
			n.Size = uint64(hdr.Size)
			if hdr.Links > 1 {
				key := inoDev{syntheticDev, uint64(hdr.Ino)}
				treePath := name
				if dest != "" {
					treePath = dest + "/" + name
				}
				if canonical, seen := links[key]; seen {
					if err := t.AddHardLink(treePath, canonical); err != nil {
						return err
					}
					continue
				}
				links[key] = treePath
			}
			data := make([]byte, hdr.Size)
			if _, err := io.ReadFull(cr, data); err != nil {
				return xerrors.Errorf("scan.FromCPIO: %w", err)
			}
			n.Open = func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(data)), nil
			}
		}

		treePath := name
		if dest != "" {
			treePath = dest + "/" + name
		}
		if _, err := t.Add(treePath, n); err != nil {
			return err
		}
	}
}

func trimCPIOName(name string) string {
	for len(name) > 0 && name[0] == '/' {
		name = name[1:]
	}
	for len(name) > 1 && name[len(name)-1] == '/' {
		name = name[:len(name)-1]
	}
	return name
}

func rdevOf(hdr *cpio.Header) uint32 {
	return uint32(hdr.Rdevmajor<<8 | hdr.Rdevminor&0xff)
}
