// Package xmlcorpus turns statute XML into structure and section
// records. Jurisdiction specifics live behind the Parser interface; the
// generic walker covers the common title/chapter/section layout.
package xmlcorpus

import (
	"context"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"lexpipe/internal/corpus"
)

// Parser reads one source file in two passes: the hierarchy first, then
// the sections with their ancestor paths.
type Parser interface {
	Name() string
	Structure(ctx context.Context, path string) ([]corpus.StructureNode, error)
	Sections(ctx context.Context, path string) ([]corpus.Section, error)
}

// Discover lists the corpus files under root matching the glob patterns,
// `**/*.xml` when none are given. Results are sorted for a stable parse
// order.
func Discover(root string, patterns ...string) ([]string, error) {
	if len(patterns) == 0 {
		patterns = []string{"**/*.xml"}
	}
	seen := map[string]struct{}{}
	var out []string
	for _, pat := range patterns {
		matches, err := doublestar.FilepathGlob(root + "/" + pat)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out, nil
}
