package recreate

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ossyrian/zimrecreate/internal/zim"
)

// Options of a recreation run.
type Options struct {
	OriginFile string
	OutputFile string

	WithFullTextIndex bool
	Language          string
	Threads           int
	Verbose           bool

	Overrides Overrides
}

// Run recreates the archive OriginFile as OutputFile.
// On failure no output file is left behind.
func Run(opts Options, logger *slog.Logger) error {
	origin, err := zim.Open(opts.OriginFile)
	if err != nil {
		return err
	}
	defer origin.Close()

	creator := zim.NewCreator(zim.CreatorConfig{
		Verbose:     opts.Verbose,
		Indexing:    opts.WithFullTextIndex,
		Language:    opts.Language,
		ClusterSize: zim.DefaultClusterSize,
		Workers:     opts.Threads,
	}, logger.With("component", "creator"))

	logger.Info("starting zim creation",
		"origin", opts.OriginFile,
		"origin_entries", origin.EntryCount(),
		"output", opts.OutputFile,
	)
	if err := creator.Start(opts.OutputFile); err != nil {
		return err
	}

	if err := Recreate(NewSource(origin), creator, opts.Overrides, logger); err != nil {
		creator.Abort()
		return err
	}
	return creator.Finish()
}

// Recreate feeds the builder with the main path, the metadata and every
// entry of the source.
func Recreate(src Source, b Builder, overrides Overrides, logger *slog.Logger) error {
	modern := src.HasNewNamespaceScheme()
	logger.Info("reading source", "new_namespace_scheme", modern)

	setMainPath(src, b, modern, logger)

	if err := CopyMetadata(src, b, overrides, logger); err != nil {
		return err
	}

	var items, redirects int
	for op, err := range Operations(src) {
		if err != nil {
			return err
		}
		if err := Apply(b, op); err != nil {
			return err
		}
		if op.Kind == OpAddItem {
			items++
		} else {
			redirects++
		}
	}

	logger.Info("entries recreated", "items", items, "redirects", redirects)
	return nil
}

// setMainPath copies the main path, if the source has one.
func setMainPath(src Source, b Builder, modern bool, logger *slog.Logger) {
	path, err := src.MainPath()
	if err != nil {
		if !errors.Is(err, zim.ErrNotFound) {
			logger.Warn("could not resolve main entry", "error", err)
		}
		return
	}
	if !modern {
		path = StripNamespace(path)
	}
	b.SetMainPath(path)
}

// PrintArchiveMetadata prints the metadata of the archive at path.
func PrintArchiveMetadata(w io.Writer, path string) error {
	origin, err := zim.Open(path)
	if err != nil {
		return err
	}
	defer origin.Close()

	if err := PrintMetadata(w, NewSource(origin)); err != nil {
		return fmt.Errorf("failed to print metadata: %w", err)
	}
	return nil
}
