package recreate

import (
	"fmt"
	"iter"

	"github.com/ossyrian/zimrecreate/internal/zim"
)

// OpKind is the kind of builder call an Operation stands for.
type OpKind int

const (
	OpAddRedirection OpKind = iota
	OpAddItem
)

// Redirection is a redirect to add to the builder.
type Redirection struct {
	Path   string
	Title  string
	Target string
	Hints  zim.Hints
}

// Operation is one builder call derived from one source entry.
type Operation struct {
	Kind        OpKind
	Redirection Redirection // set for OpAddRedirection
	Item        *Item       // set for OpAddItem
}

// Operations yields the builder operations for the source entries, one
// entry at a time in the source order.
//
// New namespace scheme archives are copied as is. Legacy archives lose
// their index and metadata namespaces, have the namespace stripped from
// every path and their html and css links patched.
func Operations(src Source) iter.Seq2[Operation, error] {
	modern := src.HasNewNamespaceScheme()

	return func(yield func(Operation, error) bool) {
		for entry, err := range src.Entries() {
			if err != nil {
				yield(Operation{}, fmt.Errorf("failed to read entry: %w", err))
				return
			}

			var (
				op Operation
				ok bool
			)
			if modern {
				op, ok, err = classifyModern(entry)
			} else {
				op, ok, err = classifyLegacy(entry)
			}
			if err != nil {
				yield(Operation{}, err)
				return
			}
			if !ok {
				continue
			}
			if !yield(op, nil) {
				return
			}
		}
	}
}

func classifyModern(entry SourceEntry) (Operation, bool, error) {
	if entry.IsRedirect() {
		target, err := entry.RedirectPath()
		if err != nil {
			return Operation{}, false, fmt.Errorf("failed to resolve redirect %s: %w", entry.Path(), err)
		}
		return Operation{
			Kind: OpAddRedirection,
			Redirection: Redirection{
				Path:   entry.Path(),
				Title:  entry.Title(),
				Target: target,
				Hints:  zim.Hints{zim.HintFrontArticle: 1},
			},
		}, true, nil
	}

	item, err := entry.Item()
	if err != nil {
		return Operation{}, false, fmt.Errorf("failed to get item %s: %w", entry.Path(), err)
	}
	return Operation{
		Kind: OpAddItem,
		Item: &Item{Kind: PassThroughItem, path: item.Path(), src: item},
	}, true, nil
}

func classifyLegacy(entry SourceEntry) (Operation, bool, error) {
	path := entry.Path()
	if path != "" && isReserved(zim.Namespace(path[0])) {
		return Operation{}, false, nil
	}

	if entry.IsRedirect() {
		target, err := entry.RedirectPath()
		if err != nil {
			return Operation{}, false, fmt.Errorf("failed to resolve redirect %s: %w", path, err)
		}
		return Operation{
			Kind: OpAddRedirection,
			Redirection: Redirection{
				Path:   StripNamespace(path),
				Title:  entry.Title(),
				Target: StripNamespace(target),
			},
		}, true, nil
	}

	item, err := entry.Item()
	if err != nil {
		return Operation{}, false, fmt.Errorf("failed to get item %s: %w", path, err)
	}
	return Operation{
		Kind: OpAddItem,
		Item: &Item{Kind: PatchedItem, path: StripNamespace(path), src: item},
	}, true, nil
}

// Apply forwards the operation to the builder.
func Apply(b Builder, op Operation) error {
	switch op.Kind {
	case OpAddRedirection:
		r := op.Redirection
		if err := b.AddRedirection(r.Path, r.Title, r.Target, r.Hints); err != nil {
			return fmt.Errorf("failed to add redirect %s: %w", r.Path, err)
		}
	case OpAddItem:
		if err := b.AddItem(op.Item); err != nil {
			return fmt.Errorf("failed to add item %s: %w", op.Item.Path(), err)
		}
	default:
		return fmt.Errorf("unknown operation kind %d", op.Kind)
	}
	return nil
}
