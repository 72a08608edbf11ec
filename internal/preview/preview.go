// Package preview checks an edited file, gathers the files it XIncludes
// from the same patch and hands everything to a renderer.
package preview

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"patchmgr/api/internal/patch"
)

// XIncludeNS is the namespace of <xi:include> elements.
const XIncludeNS = "http://www.w3.org/2001/XInclude"

// EmptyMessage is shown instead of a rendering when the text is empty,
// since saving it removes the file.
const EmptyMessage = "<i>The file is now empty and will be deleted from the code.</i>"

// StructuralError reports a file that is not well-formed XML or an include
// that cannot be resolved.
type StructuralError struct {
	Path string
	Err  error
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("invalid XML in %s: %v", e.Path, e.Err)
}

func (e *StructuralError) Unwrap() error { return e.Err }

// Reader reads a file's effective content in a patch.
type Reader interface {
	ReadFile(ctx context.Context, id, path string) ([]byte, error)
}

// Request is one preview of unsaved editor text.
type Request struct {
	PatchID string `json:"patch"`
	Path    string `json:"path"`
	Text    string `json:"text"`
}

// Service runs previews against one patch tree.
type Service struct {
	reader   Reader
	renderer Renderer
}

func NewService(reader Reader, renderer Renderer) *Service {
	if renderer == nil {
		renderer = PlainRenderer{}
	}
	return &Service{reader: reader, renderer: renderer}
}

// Preview returns the rendered HTML for req. Problems with the text or its
// includes come back as *StructuralError.
func (s *Service) Preview(ctx context.Context, req Request) (string, error) {
	if req.Text == "" {
		return EmptyMessage, nil
	}
	file, err := patch.CleanPath(req.Path)
	if err != nil {
		return "", err
	}
	body := []byte(req.Text)
	hrefs, err := CollectIncludes(body)
	if err != nil {
		return "", &StructuralError{Path: file, Err: err}
	}
	includes, err := s.fetch(ctx, req.PatchID, path.Dir(file), hrefs)
	if err != nil {
		return "", err
	}
	return s.renderer.Render(ctx, Document{Path: file, Body: body, Includes: includes})
}

// fetch reads every include in parallel and checks each is well-formed.
// Keys of the result are patch paths.
func (s *Service) fetch(ctx context.Context, id, dir string, hrefs []string) (map[string][]byte, error) {
	paths := make([]string, len(hrefs))
	for i, href := range hrefs {
		p, err := patch.CleanPath(path.Join(dir, href))
		if err != nil {
			return nil, &StructuralError{Path: href, Err: err}
		}
		paths[i] = p
	}

	contents := make([][]byte, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range paths {
		g.Go(func() error {
			b, err := s.reader.ReadFile(gctx, id, p)
			if errors.Is(err, patch.ErrNotFound) {
				return &StructuralError{Path: p, Err: fmt.Errorf("included file does not exist")}
			}
			if err != nil {
				return err
			}
			if err := WellFormed(b); err != nil {
				return &StructuralError{Path: p, Err: err}
			}
			contents[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string][]byte, len(paths))
	for i, p := range paths {
		out[p] = contents[i]
	}
	return out, nil
}

// WellFormed reports whether b is a single well-formed XML document.
func WellFormed(b []byte) error {
	return scan(b, nil)
}

// CollectIncludes checks b is well-formed and returns the distinct href of
// every XInclude element, sorted.
func CollectIncludes(b []byte) ([]string, error) {
	seen := make(map[string]struct{})
	err := scan(b, func(el xml.StartElement) error {
		if el.Name.Space != XIncludeNS || el.Name.Local != "include" {
			return nil
		}
		for _, a := range el.Attr {
			if a.Name.Space == "" && a.Name.Local == "href" {
				if a.Value == "" {
					break
				}
				seen[a.Value] = struct{}{}
				return nil
			}
		}
		return fmt.Errorf("include without href")
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(seen))
	for href := range seen {
		out = append(out, href)
	}
	sort.Strings(out)
	return out, nil
}

// scan walks every token of b, calling visit on each start element. The
// document must have exactly one root element.
func scan(b []byte, visit func(xml.StartElement) error) error {
	dec := xml.NewDecoder(bytes.NewReader(b))
	depth, roots := 0, 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				roots++
				if roots > 1 {
					line, _ := dec.InputPos()
					return fmt.Errorf("line %d: junk after document element", line)
				}
			}
			depth++
			if visit != nil {
				if err := visit(t); err != nil {
					line, _ := dec.InputPos()
					return fmt.Errorf("line %d: %w", line, err)
				}
			}
		case xml.EndElement:
			depth--
		case xml.CharData:
			if depth == 0 && strings.TrimSpace(string(t)) != "" {
				line, _ := dec.InputPos()
				return fmt.Errorf("line %d: text outside the document element", line)
			}
		}
	}
	if roots == 0 {
		return fmt.Errorf("no document element")
	}
	return nil
}
