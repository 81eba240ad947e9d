// Command mksquash builds a SquashFS 4.0 image from one or more host
// directories and/or pseudo-file descriptions, the CLI entrypoint for
// package build (internal/squashfs/build): one flag.FlagSet, a usage()
// helper, and InterruptibleContext for SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	mksquashfs "github.com/distr1/mksquashfs"
	"github.com/distr1/mksquashfs/internal/squashfs/build"
	"github.com/distr1/mksquashfs/internal/squashfs/comp"
	"github.com/distr1/mksquashfs/internal/squashfs/scan"
	"github.com/distr1/mksquashfs/internal/squashfs/wire"
)

const help = `mksquash [options] source1 [source2 ...] dest

Packs one or more host directories into a single SquashFS image at dest.
Each source is mounted at the image root unless -root-of is repeated
once per source to place it at a different destination path.

Example:
  % mksquash -comp zstd ./rootfs image.squashfs
`

// rootOfFlag accumulates -root-of values, one per positional source
// directory, in the order given on the command line.
type rootOfFlag struct{ vals []string }

func (f *rootOfFlag) String() string { return strings.Join(f.vals, ",") }
func (f *rootOfFlag) Set(s string) error {
	f.vals = append(f.vals, s)
	return nil
}

// pseudoFlag accumulates -pf values, one per pseudo-file description to
// apply after every directory has been scanned.
type pseudoFlag struct{ vals []string }

func (f *pseudoFlag) String() string { return strings.Join(f.vals, ",") }
func (f *pseudoFlag) Set(s string) error {
	f.vals = append(f.vals, s)
	return nil
}

func compressorByName(name string, parallel bool) (comp.Compressor, error) {
	switch name {
	case "", "gzip":
		if parallel {
			return comp.NewParallelGzip(), nil
		}
		return comp.NewGzip(), nil
	case "xz":
		return comp.NewXZ(), nil
	case "zstd":
		return comp.NewZstd(), nil
	default:
		return nil, fmt.Errorf("unknown -comp %q (want gzip, xz or zstd)", name)
	}
}

func run(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("mksquash", flag.ExitOnError)
	var (
		compName    = fset.String("comp", "gzip", "compression codec: gzip, xz or zstd")
		parallel    = fset.Bool("parallel", false, "use a parallel gzip encoder (only with -comp gzip)")
		blockSize   = fset.Uint("b", wire.DefaultBlockSize, "data block size in bytes, a power of two")
		workers     = fset.Int("processors", 1, "number of block-compression workers")
		noFrag      = fset.Bool("no-fragments", false, "disable tail-block fragment packing")
		oneFS       = fset.Bool("one-file-system", false, "don't cross filesystem boundaries while scanning")
		allRoot     = fset.Bool("all-root", false, "force every inode's owner to uid/gid 0")
		xattrs      = fset.Bool("xattrs", false, "preserve user/trusted/security extended attributes")
		verbose     = fset.Bool("verbose", false, "print one line per source as it is processed")
		rootOf      rootOfFlag
		pseudoFiles pseudoFlag
	)
	fset.Var(&rootOf, "root-of", "destination path for the preceding source directory (repeatable, default \"/\")")
	fset.Var(&pseudoFiles, "pf", "pseudo-file description to apply after scanning (repeatable)")
	fset.Usage = usage(fset, help)
	fset.Parse(args)

	rest := fset.Args()
	if len(rest) < 2 {
		fset.Usage()
		os.Exit(2)
	}
	sources, dest := rest[:len(rest)-1], rest[len(rest)-1]

	c, err := compressorByName(*compName, *parallel)
	if err != nil {
		return err
	}

	var dirs []build.DirSource
	for i, src := range sources {
		destPath := "/"
		if i < len(rootOf.vals) {
			destPath = rootOf.vals[i]
		}
		dirs = append(dirs, build.DirSource{
			Root: src,
			Dest: path.Clean(destPath),
			Options: scan.Options{
				OneFilesystem:  *oneFS,
				PreserveOwner:  !*allRoot,
				PreserveMtime:  true,
				PreserveXattrs: *xattrs,
			},
		})
	}
	var pseudos []build.PseudoSource
	for _, p := range pseudoFiles.vals {
		pseudos = append(pseudos, build.PseudoSource{Path: p})
	}

	var forceUID, forceGID *uint32
	if *allRoot {
		zero := uint32(0)
		forceUID, forceGID = &zero, &zero
	}

	cfg := build.Config{
		OutputPath:  dest,
		Dirs:        dirs,
		Pseudos:     pseudos,
		BlockSize:   uint32(*blockSize),
		Comp:        c,
		Workers:     *workers,
		NoFragments: *noFrag,
		MkfsTime:    time.Now().Unix(),
		ForceUID:    forceUID,
		ForceGID:    forceGID,
		Verbose:     *verbose,
	}

	interactive := isatty.IsTerminal(os.Stderr.Fd())
	if interactive {
		fmt.Fprintf(os.Stderr, "mksquash: packing %d source(s) into %s\n", len(sources), dest)
	}
	start := time.Now()
	if err := build.BuildImage(ctx, cfg); err != nil {
		return err
	}
	if interactive {
		st, statErr := os.Stat(dest)
		size := int64(-1)
		if statErr == nil {
			size = st.Size()
		}
		fmt.Fprintf(os.Stderr, "mksquash: wrote %s (%d bytes) in %v\n", dest, size, time.Since(start))
	}
	return nil
}

func funcmain() error {
	ctx, canc := mksquashfs.InterruptibleContext()
	defer canc()
	if err := run(ctx, os.Args[1:]); err != nil {
		return err
	}
	return mksquashfs.RunAtExit()
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
