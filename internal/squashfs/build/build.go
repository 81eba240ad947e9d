// Package build glues together tree, scan, pseudo and image into the
// single entrypoint cmd/mksquash drives: BuildImage takes a
// fully-described Config and produces one SquashFS image atomically,
// grounded on this module's teacher's own top-level orchestration
// functions (cmd/distri/initrd.go's writeInitrd, internal/batch/batch.go's
// Ctx.Build) which likewise sequence "gather inputs, run the worker
// pipeline, write atomically" behind one function.
package build

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"

	"github.com/google/renameio"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/distr1/mksquashfs/internal/squashfs/comp"
	"github.com/distr1/mksquashfs/internal/squashfs/image"
	"github.com/distr1/mksquashfs/internal/squashfs/pseudo"
	"github.com/distr1/mksquashfs/internal/squashfs/scan"
	"github.com/distr1/mksquashfs/internal/squashfs/tree"
	"github.com/distr1/mksquashfs/internal/squashfs/xattrset"
)

// DirSource scans a host directory into the tree under Dest.
type DirSource struct {
	Root    string
	Dest    string
	Options scan.Options
}

// PseudoSource parses a pseudo-file description and applies every entry
// to the tree.
type PseudoSource struct {
	Path string
}

// Config describes one image build end to end.
type Config struct {
	OutputPath string

	Dirs    []DirSource
	Pseudos []PseudoSource

	BlockSize   uint32
	Comp        comp.Compressor
	Workers     int
	NoFragments bool
	MkfsTime    int64

	ForceUID *uint32
	ForceGID *uint32

	// Verbose logs one log.Printf line per top-level source as it starts
	// being processed; the lines carry no timing.
	Verbose bool
}

// BuildImage runs every configured source into a fresh tree.Tree,
// resolves and numbers it, serializes it to a SquashFS image, and
// installs that image at cfg.OutputPath atomically via renameio: a
// reader never observes a partially written file, and a failed build
// leaves no file at cfg.OutputPath at all.
func BuildImage(ctx context.Context, cfg Config) error {
	t := tree.New()
	t.ForceUID = cfg.ForceUID
	t.ForceGID = cfg.ForceGID

	for _, d := range cfg.Dirs {
		if cfg.Verbose {
			log.Printf("scanning %s into %s", d.Root, pathOrRoot(d.Dest))
		}
		if err := scan.Dir(t, d.Root, d.Dest, d.Options); err != nil {
			return xerrors.Errorf("build.BuildImage: %w", err)
		}
	}

	for _, p := range cfg.Pseudos {
		if cfg.Verbose {
			log.Printf("applying pseudo-file %s", p.Path)
		}
		if err := applyPseudoFile(t, p.Path); err != nil {
			return xerrors.Errorf("build.BuildImage: %w", err)
		}
	}

	if err := t.Resolve(); err != nil {
		return xerrors.Errorf("build.BuildImage: %w", err)
	}
	if err := t.PostProcess(); err != nil {
		return xerrors.Errorf("build.BuildImage: %w", err)
	}

	xt := xattrset.NewTable()
	if err := foldXattrs(t, xt); err != nil {
		return xerrors.Errorf("build.BuildImage: %w", err)
	}

	iw := image.NewWriter(t, xt, image.Config{
		BlockSize:   cfg.BlockSize,
		Comp:        cfg.Comp,
		Workers:     cfg.Workers,
		NoFragments: cfg.NoFragments,
		MkfsTime:    cfg.MkfsTime,
	})

	out, err := renameio.TempFile("", cfg.OutputPath)
	if err != nil {
		return xerrors.Errorf("build.BuildImage: %w", err)
	}
	defer out.Cleanup()

	if err := iw.Build(ctx, out); err != nil {
		return xerrors.Errorf("build.BuildImage: %w", err)
	}
	if err := out.CloseAtomicallyReplace(); err != nil {
		return xerrors.Errorf("build.BuildImage: %w", err)
	}
	return nil
}

// foldXattrs walks t and folds every node's scan- or pseudo-gathered
// Xattrs into xt, one set at a time, recording the resulting dedup id
// back onto the node. PostProcess must already have run: it stamps
// every node's XattrID to tree.InvalidXattr first, so this only has to
// override the nodes that actually carry attributes.
func foldXattrs(t *tree.Tree, xt *xattrset.Table) error {
	return t.Walk(func(idx tree.Index, n *tree.Node) error {
		if len(n.Xattrs) == 0 {
			return nil
		}
		id, err := xt.Add(n.Xattrs)
		if err != nil {
			return xerrors.Errorf("node %q: %w", n.Name, err)
		}
		n.XattrID = id
		return nil
	})
}

func pathOrRoot(dest string) string {
	if dest == "" {
		return "/"
	}
	return dest
}

func applyPseudoFile(t *tree.Tree, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	entries, err := pseudo.Parse(f, file)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := applyPseudoEntry(t, filepath.Dir(file), e); err != nil {
			return err
		}
	}
	return nil
}

func applyPseudoEntry(t *tree.Tree, baseDir string, e pseudo.Entry) error {
	switch e.Kind {
	case pseudo.KindGlob:
		return applyGlob(t, baseDir, e)
	case pseudo.KindLink:
		return t.AddHardLink(e.Path, e.Target)
	}

	n := tree.Node{Mode: uint16(e.Mode), UID: uint32(e.UID), GID: uint32(e.GID)}
	switch e.Kind {
	case pseudo.KindDir:
		n.Kind = tree.Dir
	case pseudo.KindSlink:
		n.Kind = tree.Symlink
		n.Target = e.Target
	case pseudo.KindPipe:
		n.Kind = tree.Fifo
	case pseudo.KindSock:
		n.Kind = tree.Socket
	case pseudo.KindNod:
		if e.CharDevice {
			n.Kind = tree.CharDev
		} else {
			n.Kind = tree.BlockDev
		}
		n.Rdev = uint32(unix.Mkdev(uint32(e.Major), uint32(e.Minor)))
	case pseudo.KindFile:
		n.Kind = tree.File
		src := e.Target
		if !filepath.IsAbs(src) {
			src = filepath.Join(baseDir, src)
		}
		st, err := os.Stat(src)
		if err != nil {
			return err
		}
		n.Size = uint64(st.Size())
		n.Open = func() (io.ReadCloser, error) {
			return os.Open(src)
		}
	default:
		return fmt.Errorf("pseudo entry %q: unsupported kind %d", e.Path, e.Kind)
	}
	_, err := t.Add(e.Path, n)
	return err
}

func applyGlob(t *tree.Tree, baseDir string, e pseudo.Entry) error {
	g := e.Glob
	root := g.BaseDir
	if root == "" {
		root = baseDir
	}
	if !filepath.IsAbs(root) {
		root = filepath.Join(baseDir, root)
	}

	kindMask := make(map[tree.Kind]bool)
	typeToKind := map[byte]tree.Kind{
		'd': tree.Dir, 'f': tree.File, 'l': tree.Symlink,
		'c': tree.CharDev, 'b': tree.BlockDev, 'p': tree.Fifo, 's': tree.Socket,
	}
	for c, k := range typeToKind {
		if g.Types[c] {
			kindMask[k] = true
		}
	}

	opts := scan.Options{
		OneFilesystem: g.OneFilesystem,
		PreserveOwner: e.UID < 0 || e.GID < 0,
		PreserveMtime: g.KeepTime,
		NonRecursive:  g.NonRecursive,
		NamePattern:   g.NamePattern,
		MatchBasename: g.NamePattern != "" && g.PathPattern == "",
		KindMask:      kindMask,
	}
	if g.PathPattern != "" {
		opts.NamePattern = g.PathPattern
		opts.MatchBasename = false
	}
	return scan.Dir(t, root, path.Clean(e.Path), opts)
}
