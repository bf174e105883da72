package recreate

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/ossyrian/zimrecreate/internal/zim"
)

const (
	// counterKey is regenerated by the builder and never copied.
	counterKey = "Counter"

	illustrationPrefix = "Illustration_"
	binaryPlaceholder  = "(binary data)"
	metadataMimeType   = "text/plain"
)

// ErrInvalidMetadataSpec is returned for a malformed metadata override spec.
var ErrInvalidMetadataSpec = errors.New("invalid metadata spec")

// Overrides replace or add metadata values. Values of Illustration_ keys
// the source has are paths of image files.
type Overrides map[string]string

// ParseMetadataSpec parses "{key:value}{key2:value2}". The first colon of a
// pair separates the key from the value. Text outside braces is ignored and
// a later pair replaces an earlier one with the same key.
func ParseMetadataSpec(spec string) (Overrides, error) {
	result := Overrides{}

	rest := spec
	for {
		start := strings.IndexByte(rest, '{')
		if start < 0 {
			return result, nil
		}
		end := strings.IndexByte(rest[start:], '}')
		if end < 0 {
			return nil, fmt.Errorf("%w: unmatched '{' in %q", ErrInvalidMetadataSpec, spec)
		}

		pair := rest[start+1 : start+end]
		key, value, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("%w: missing ':' in pair %q", ErrInvalidMetadataSpec, pair)
		}
		result[key] = value

		rest = rest[start+end+1:]
	}
}

// sortedKeys returns the override keys in a stable order.
func (o Overrides) sortedKeys() []string {
	keys := lo.Keys(map[string]string(o))
	slices.Sort(keys)
	return keys
}

func isIllustration(key string) bool {
	return strings.HasPrefix(key, illustrationPrefix)
}

// CopyMetadata recreates the source metadata on the builder.
//
// Counter is skipped. Illustrations come from the override file if any,
// else from the source illustration, and are registered at the default
// size. Other keys take the override value if any, else the source value.
// Override keys the source does not have are added last, as plain text,
// whatever their name.
func CopyMetadata(src Source, b Builder, overrides Overrides, logger *slog.Logger) error {
	keys := src.MetadataKeys()

	for _, key := range keys {
		if key == counterKey {
			continue
		}
		if isIllustration(key) {
			if err := copyIllustration(src, b, key, overrides, logger); err != nil {
				return err
			}
			continue
		}

		value, ok := overrides[key]
		if !ok {
			data, err := src.Metadata(key)
			if err != nil {
				return fmt.Errorf("failed to read metadata %s: %w", key, err)
			}
			value = string(data)
		}
		if err := addMetadata(b, key, value, logger); err != nil {
			return err
		}
	}

	for _, key := range overrides.sortedKeys() {
		if key == counterKey || lo.Contains(keys, key) {
			continue
		}
		if err := addMetadata(b, key, overrides[key], logger); err != nil {
			return err
		}
	}

	return nil
}

func addMetadata(b Builder, key, value string, logger *slog.Logger) error {
	logger.Info("metadata", "key", key, "value", value)
	if err := b.AddMetadata(key, zim.StringProvider(value), metadataMimeType); err != nil {
		return fmt.Errorf("failed to add metadata %s: %w", key, err)
	}
	return nil
}

func copyIllustration(src Source, b Builder, key string, overrides Overrides, logger *slog.Logger) error {
	var data []byte
	if file, ok := overrides[key]; ok {
		var err error
		if data, err = os.ReadFile(file); err != nil {
			return fmt.Errorf("failed to load illustration %s: %w", key, err)
		}
		logger.Info("metadata", "key", key, "file", file)
	} else {
		item, err := src.IllustrationItem()
		if errors.Is(err, zim.ErrNotFound) {
			logger.Debug("source has no illustration", "key", key)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get illustration: %w", err)
		}
		if data, err = item.Data(); err != nil {
			return fmt.Errorf("failed to read illustration: %w", err)
		}
	}

	if err := b.AddIllustration(zim.DefaultIllustrationSize, data); err != nil {
		return fmt.Errorf("failed to add illustration %s: %w", key, err)
	}
	return nil
}

// PrintMetadata writes every source metadata pair as "key:value", in the
// source key order. Binary values are replaced by a placeholder.
func PrintMetadata(w io.Writer, src Source) error {
	if _, err := fmt.Fprintln(w, "Metadata:"); err != nil {
		return err
	}

	for _, key := range src.MetadataKeys() {
		value := binaryPlaceholder
		if !isIllustration(key) {
			data, err := src.Metadata(key)
			if err != nil {
				return fmt.Errorf("failed to read metadata %s: %w", key, err)
			}
			value = string(data)
		}
		if _, err := fmt.Fprintf(w, "%s:%s\n", key, value); err != nil {
			return err
		}
	}
	return nil
}
