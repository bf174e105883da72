package recreate

import (
	"strings"

	"github.com/ossyrian/zimrecreate/internal/zim"
)

// linkNamespaces are the legacy namespaces links may point into.
var linkNamespaces = [...]zim.Namespace{
	zim.NamespaceArticle,
	zim.NamespaceImage,
	zim.NamespaceJavascript,
	zim.NamespaceLayout,
}

var linkQuotes = [...]string{"'", `"`}

// isReserved reports whether entries of the namespace are regenerated by
// the builder and must not be copied: full-text index, indexes, metadata.
func isReserved(ns zim.Namespace) bool {
	switch ns {
	case zim.NamespaceFulltext, zim.NamespaceIndex, zim.NamespaceMetadata:
		return true
	}
	return false
}

// StripNamespace removes the "N/" namespace prefix of a legacy path.
// Paths without such a prefix are returned unchanged.
func StripNamespace(path string) string {
	if len(path) > 2 && path[1] == '/' {
		return path[2:]
	}
	return path
}

// IsPatchable reports whether content of the mimetype has its links patched.
func IsPatchable(mimeType string) bool {
	return strings.Contains(mimeType, "text/html") || strings.Contains(mimeType, "text/css")
}

// PatchLinks rewrites the relative links of html and css content so they
// no longer go through a namespace directory:
//
//	"../A/foo.html"    -> "foo.html"
//	"../../I/logo.png" -> "../logo.png"
//
// This is plain text replacement. Only links of pages at the root and one
// directory deep are fixed, links like "../foo/../I/x.png" are left as is,
// and quoted text matching a pattern is rewritten even when it is not a link.
// Content of other mimetypes is returned unchanged.
func PatchLinks(content, mimeType string) string {
	if !IsPatchable(mimeType) {
		return content
	}

	for _, q := range linkQuotes {
		for _, ns := range linkNamespaces {
			content = strings.ReplaceAll(content, q+"../../"+ns.String()+"/", q+"../")
			content = strings.ReplaceAll(content, q+"../"+ns.String()+"/", q)
		}
	}
	return content
}
