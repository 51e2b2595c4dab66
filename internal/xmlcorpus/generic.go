package xmlcorpus

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"

	"lexpipe/internal/corpus"
)

// LevelRule maps an XML element name onto a hierarchy level.
type LevelRule struct {
	Element string
	Level   string
}

// Config shapes the generic walker. Zero values take the common statute
// layout: title/chapter containers, section leaves, num attribute,
// heading child element.
type Config struct {
	Jurisdiction   string
	Levels         []LevelRule
	SectionElement string
	NumAttribute   string
	HeadingElement string
}

func (c *Config) fill() {
	if len(c.Levels) == 0 {
		c.Levels = []LevelRule{
			{Element: "title", Level: "title"},
			{Element: "chapter", Level: "chapter"},
			{Element: "article", Level: "article"},
		}
	}
	if c.SectionElement == "" {
		c.SectionElement = "section"
	}
	if c.NumAttribute == "" {
		c.NumAttribute = "num"
	}
	if c.HeadingElement == "" {
		c.HeadingElement = "heading"
	}
}

// Generic is the built-in Parser. It keeps no state between files; both
// passes walk the token stream with a container stack.
type Generic struct {
	cfg    Config
	levels map[string]string
}

func NewGeneric(cfg Config) *Generic {
	cfg.fill()
	levels := make(map[string]string, len(cfg.Levels))
	for _, l := range cfg.Levels {
		levels[strings.ToLower(l.Element)] = l.Level
	}
	return &Generic{cfg: cfg, levels: levels}
}

func (g *Generic) Name() string { return "generic" }

// frame is one open container element during a walk.
type frame struct {
	level    string
	label    string
	heading  string
	id       string
	children int
}

// Structure is pass one: every container element becomes a node whose id
// encodes its label path, so parents are derivable and stable across
// runs. Headings arrive as child elements after the node is created, so
// they are patched in when the walker reaches them.
func (g *Generic) Structure(ctx context.Context, path string) ([]corpus.StructureNode, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("xmlcorpus: %w", err)
	}
	defer f.Close()

	var nodes []corpus.StructureNode
	byFrame := map[*frame]int{}
	err = g.walk(ctx, f, walkFuncs{
		enterContainer: func(stack []*frame) {
			top := stack[len(stack)-1]
			var parent string
			ordinal := 1
			if len(stack) > 1 {
				p := stack[len(stack)-2]
				parent = p.id
				p.children++
				ordinal = p.children
			} else {
				for _, n := range nodes {
					if n.ParentID == "" {
						ordinal++
					}
				}
			}
			byFrame[top] = len(nodes)
			nodes = append(nodes, corpus.StructureNode{
				Jurisdiction: g.cfg.Jurisdiction,
				ID:           top.id,
				ParentID:     parent,
				Level:        top.level,
				Label:        top.label,
				Ordinal:      ordinal,
			})
		},
		heading: func(stack []*frame) {
			top := stack[len(stack)-1]
			if idx, ok := byFrame[top]; ok {
				nodes[idx].Heading = top.heading
			}
		},
	})
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

// Sections is pass two: each section element yields one record carrying
// the ancestor path captured from the container stack.
func (g *Generic) Sections(ctx context.Context, path string) ([]corpus.Section, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("xmlcorpus: %w", err)
	}
	defer f.Close()

	var sections []corpus.Section
	err = g.walk(ctx, f, walkFuncs{
		section: func(stack []*frame, sec parsedSection) {
			ancestors := make([]corpus.Ancestor, len(stack))
			var titleLabel, chapterLabel string
			for i, fr := range stack {
				ancestors[i] = corpus.Ancestor{Type: fr.level, Label: fr.label, ID: fr.id}
				switch fr.level {
				case "title":
					titleLabel = fr.label
				case "chapter":
					chapterLabel = fr.label
				}
			}
			sections = append(sections, corpus.Section{
				Jurisdiction: g.cfg.Jurisdiction,
				ID:           g.cfg.Jurisdiction + "-" + sanitizeID(sec.num),
				Citation:     sec.num,
				Heading:      sec.heading,
				TextPlain:    sec.text,
				Ancestors:    ancestors,
				TitleLabel:   titleLabel,
				ChapterLabel: chapterLabel,
			})
		},
	})
	if err != nil {
		return nil, err
	}
	return sections, nil
}

type parsedSection struct {
	num     string
	heading string
	text    string
}

type walkFuncs struct {
	enterContainer func(stack []*frame)
	heading        func(stack []*frame)
	section        func(stack []*frame, sec parsedSection)
}

// walk streams the document once, maintaining the container stack and
// dispatching container entries, container headings, and complete
// sections. extra tracks unknown wrapper elements so only a container's
// direct heading child is attributed to it.
func (g *Generic) walk(ctx context.Context, r io.Reader, fns walkFuncs) error {
	dec := xml.NewDecoder(r)
	var stack []*frame
	extra := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("xmlcorpus: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			name := strings.ToLower(t.Name.Local)
			switch {
			case g.levels[name] != "":
				fr := &frame{level: g.levels[name], label: attr(t, g.cfg.NumAttribute)}
				fr.id = g.frameID(stack, fr)
				stack = append(stack, fr)
				extra = 0
				if fns.enterContainer != nil {
					fns.enterContainer(stack)
				}
			case name == g.cfg.SectionElement:
				sec, err := g.readSection(dec, t)
				if err != nil {
					return err
				}
				if fns.section != nil {
					fns.section(stack, sec)
				}
			case name == g.cfg.HeadingElement && extra == 0 && len(stack) > 0:
				var text string
				if err := dec.DecodeElement(&text, &t); err != nil {
					return fmt.Errorf("xmlcorpus: heading: %w", err)
				}
				top := stack[len(stack)-1]
				if top.heading == "" {
					top.heading = strings.TrimSpace(text)
					if fns.heading != nil {
						fns.heading(stack)
					}
				}
			default:
				extra++
			}
		case xml.EndElement:
			name := strings.ToLower(t.Name.Local)
			if g.levels[name] != "" {
				if len(stack) > 0 {
					stack = stack[:len(stack)-1]
				}
				extra = 0
			} else if extra > 0 {
				extra--
			}
		}
	}
}

// frameID builds a stable id from the jurisdiction and the label path.
func (g *Generic) frameID(stack []*frame, fr *frame) string {
	parts := []string{g.cfg.Jurisdiction}
	for _, p := range stack {
		parts = append(parts, sanitizeID(p.label))
	}
	parts = append(parts, sanitizeID(fr.label))
	return strings.Join(parts, "-")
}

// readSection consumes the section element and flattens its text.
func (g *Generic) readSection(dec *xml.Decoder, start xml.StartElement) (parsedSection, error) {
	sec := parsedSection{num: attr(start, g.cfg.NumAttribute)}
	var text strings.Builder
	depth := 1
	headingDepth := 0
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return sec, fmt.Errorf("xmlcorpus: unterminated section %q: %w", sec.num, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if strings.ToLower(t.Name.Local) == g.cfg.HeadingElement && sec.heading == "" && headingDepth == 0 {
				headingDepth = depth
			}
		case xml.EndElement:
			if depth == headingDepth {
				headingDepth = 0
			}
			depth--
		case xml.CharData:
			chunk := strings.TrimSpace(string(t))
			if chunk == "" {
				continue
			}
			if headingDepth > 0 {
				if sec.heading != "" {
					sec.heading += " "
				}
				sec.heading += chunk
				continue
			}
			if text.Len() > 0 {
				text.WriteByte(' ')
			}
			text.WriteString(chunk)
		}
	}
	sec.text = text.String()
	return sec, nil
}

func attr(el xml.StartElement, name string) string {
	for _, a := range el.Attr {
		if strings.EqualFold(a.Name.Local, name) {
			return strings.TrimSpace(a.Value)
		}
	}
	// Fall back to common identifier attributes.
	for _, alt := range []string{"id", "number", "n"} {
		for _, a := range el.Attr {
			if strings.EqualFold(a.Name.Local, alt) {
				return strings.TrimSpace(a.Value)
			}
		}
	}
	return ""
}

// sanitizeID lowercases a label and keeps it path-safe.
func sanitizeID(label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	var b strings.Builder
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
