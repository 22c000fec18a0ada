package whatsapp

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"broadcast-dispatcher/pkg/broadcast"
)

type ComponentKind string

const (
	KindHeader ComponentKind = "header"
	KindBody   ComponentKind = "body"
)

var placeholderRe = regexp.MustCompile(`{{\s*(\d+)\s*}}`)

// MediaRef points at header media either by uploaded id or by URL.
type MediaRef struct {
	ID   string `json:"id,omitempty"`
	Link string `json:"link,omitempty"`
}

// Parameter is one template parameter. Type selects which field is set.
type Parameter struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	Image    *MediaRef `json:"image,omitempty"`
	Video    *MediaRef `json:"video,omitempty"`
	Document *MediaRef `json:"document,omitempty"`
}

func textParameter(s string) Parameter { return Parameter{Type: "text", Text: s} }

func mediaParameter(format string, ref MediaRef) Parameter {
	p := Parameter{Type: format}
	switch format {
	case "video":
		p.Video = &ref
	case "document":
		p.Document = &ref
	default:
		p.Type = "image"
		p.Image = &ref
	}
	return p
}

type Component struct {
	Type       ComponentKind `json:"type"`
	Parameters []Parameter   `json:"parameters"`
}

// ComponentBuilder accumulates the parameter blocks of one message in order.
type ComponentBuilder struct {
	components []Component
}

// Add appends a component of the given kind. Empty parameter lists are skipped.
func (b *ComponentBuilder) Add(kind ComponentKind, params ...Parameter) *ComponentBuilder {
	if len(params) == 0 {
		return b
	}
	b.components = append(b.components, Component{Type: kind, Parameters: params})
	return b
}

func (b *ComponentBuilder) Components() []Component {
	return b.components
}

// PlaceholderIndices returns the distinct {{n}} indices used in text, ascending.
func PlaceholderIndices(text string) []int {
	matches := placeholderRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[int]struct{}, len(matches))
	out := make([]int, 0, len(matches))
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// ResolveParameters maps each placeholder in text to the recipient's value,
// in index order. Missing values resolve to "".
func ResolveParameters(text string, mappings broadcast.VariableMappings, vars map[string]string) []string {
	idx := PlaceholderIndices(text)
	if len(idx) == 0 {
		return nil
	}
	out := make([]string, len(idx))
	for i, n := range idx {
		out[i] = vars[mappings.KeyFor(n)]
	}
	return out
}

// BuildComponents produces the header and body parameter blocks for one
// recipient. Media headers take the job's media id, then its media link;
// text headers always resolve their placeholders.
func BuildComponents(job broadcast.JobConfig, r broadcast.Recipient) []Component {
	var b ComponentBuilder

	if header, ok := job.Component("HEADER"); ok {
		b.Add(KindHeader, headerParameters(job, header, r)...)
	}
	if body, ok := job.Component("BODY"); ok {
		b.Add(KindBody, textParameters(ResolveParameters(body.Text, job.VariableMappings, r.Variables))...)
	}
	return b.Components()
}

func headerParameters(job broadcast.JobConfig, header broadcast.Component, r broadcast.Recipient) []Parameter {
	switch format := strings.ToLower(header.Format); format {
	case "", "text":
		return textParameters(ResolveParameters(header.Text, job.VariableMappings, r.Variables))
	case "image", "video", "document":
		switch {
		case job.HeaderMediaID != "":
			return []Parameter{mediaParameter(format, MediaRef{ID: job.HeaderMediaID})}
		case job.HeaderImageURL != "":
			return []Parameter{mediaParameter(format, MediaRef{Link: job.HeaderImageURL})}
		}
	}
	return nil
}

func textParameters(values []string) []Parameter {
	if len(values) == 0 {
		return nil
	}
	out := make([]Parameter, len(values))
	for i, v := range values {
		out[i] = textParameter(v)
	}
	return out
}
