// Package evidence defines the opaque evidence-reference resolver plugin
// of spec.md §4.6. The core never interprets what an evidence reference
// means; it only asks a Resolver whether the reference can be dereferenced
// at all. This mirrors the teacher's plugin-shaped interfaces (e.g.
// notifications.Notifier) — a narrow interface plus a couple of concrete
// implementations selected by configuration.
package evidence

import (
	"net/url"
	"os"
	"strings"
)

// Resolver reports whether an evidence reference can be dereferenced. The
// core treats references as opaque strings; only a Resolver implementation
// knows what an "artifact-h1" or "https://…" reference actually means.
type Resolver interface {
	Resolve(ref string) bool
}

// FileResolver resolves references that name a path reachable from Root.
// Grounded on the teacher's convention of treating evidence as filesystem
// artifacts under a project directory.
type FileResolver struct {
	Root string
}

// Resolve reports whether ref, joined to Root, exists on disk.
func (r FileResolver) Resolve(ref string) bool {
	if ref == "" {
		return false
	}
	path := ref
	if r.Root != "" && !strings.HasPrefix(ref, "/") {
		path = r.Root + "/" + ref
	}
	_, err := os.Stat(path)
	return err == nil
}

// URLResolver resolves references that are syntactically valid absolute
// URLs, without performing any network fetch — reachability of the
// resource itself is out of scope for the core.
type URLResolver struct{}

// Resolve reports whether ref parses as an absolute URL with a scheme and
// host.
func (URLResolver) Resolve(ref string) bool {
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	return u.IsAbs() && u.Host != ""
}

// Chain tries each Resolver in order and accepts a reference if any of
// them resolves it.
type Chain []Resolver

// Resolve implements Resolver.
func (c Chain) Resolve(ref string) bool {
	for _, r := range c {
		if r.Resolve(ref) {
			return true
		}
	}
	return false
}

// AlwaysValid is a Resolver that accepts every non-empty reference. It
// backs `evidence_validation_required: false` — discouraged per spec.md
// §6, but implemented because the configuration permits it.
type AlwaysValid struct{}

// Resolve implements Resolver.
func (AlwaysValid) Resolve(ref string) bool { return ref != "" }
