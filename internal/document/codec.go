// Package document maps a structured chat document to an ordered message log
// and back. The document is markdown: an optional leading fenced settings
// block, then level-2 heading sections whose heading text names the role.
package document

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"

	"github.com/chatmd-dev/chatmd/internal/chat"
	"github.com/chatmd-dev/chatmd/internal/schema"
)

// DefaultSettingsTag is the info string on the fenced settings block.
const DefaultSettingsTag = "config"

// ParseError reports a malformed settings block or section structure. It is
// recoverable: the caller surfaces it without mutating session state.
type ParseError struct {
	Msg string
	Err error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("document: %s: %v", e.Msg, e.Err)
	}
	return "document: " + e.Msg
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Config configures a Codec. Zero value gets the defaults.
type Config struct {
	// RoleLabels overrides the canonical heading label per role.
	RoleLabels map[chat.Role]string
	// RoleAliases maps additional heading labels (lowercased) to roles.
	RoleAliases map[string]chat.Role
	// SettingsTag is the info string on the fenced settings block.
	SettingsTag string
}

// Codec parses and renders chat documents. A Codec is safe for concurrent
// use; it holds no per-document state.
type Codec struct {
	md          goldmark.Markdown
	roles       map[string]chat.Role
	labels      map[chat.Role]string
	settingsTag string
}

// NewCodec creates a codec with the given configuration.
func NewCodec(cfg Config) *Codec {
	c := &Codec{
		md:          goldmark.New(),
		roles:       make(map[string]chat.Role),
		labels:      make(map[chat.Role]string),
		settingsTag: cfg.SettingsTag,
	}
	if c.settingsTag == "" {
		c.settingsTag = DefaultSettingsTag
	}
	for _, role := range []chat.Role{chat.RoleSystem, chat.RoleUser, chat.RoleAssistant} {
		label := role.String()
		if override, ok := cfg.RoleLabels[role]; ok && override != "" {
			label = override
		}
		c.labels[role] = label
		c.roles[strings.ToLower(label)] = role
	}
	for alias, role := range cfg.RoleAliases {
		c.roles[strings.ToLower(strings.TrimSpace(alias))] = role
	}
	return c
}

// Label returns the canonical heading label for a role.
func (c *Codec) Label(role chat.Role) string {
	return c.labels[role]
}

// section is one heading-delimited document region.
type section struct {
	label string // heading text, lowercased and trimmed
	body  string // raw body text, surrounding blank lines trimmed
}

// split walks the markdown AST and slices the raw source into the preamble
// (body before the first heading, settings block excluded) and the ordered
// heading sections. Body text is sliced from the source, so interior blank
// lines and fenced blocks survive untouched.
func (c *Codec) split(source []byte) (preamble string, settingsRaw []byte, sections []section) {
	root := c.md.Parser().Parse(text.NewReader(source))

	type headingPos struct {
		label     string
		lineStart int // offset of the "## " line
		bodyStart int // offset just past the heading line
	}
	var headings []headingPos
	var settingsStart, settingsEnd = -1, -1

	for n := root.FirstChild(); n != nil; n = n.NextSibling() {
		switch node := n.(type) {
		case *ast.Heading:
			if node.Level != 2 || node.Lines().Len() == 0 {
				continue
			}
			seg := node.Lines().At(0)
			lineStart := lineStartBefore(source, seg.Start)
			bodyStart := lineEndAfter(source, seg.Stop)
			label := strings.ToLower(strings.TrimSpace(string(source[seg.Start:seg.Stop])))
			headings = append(headings, headingPos{label: label, lineStart: lineStart, bodyStart: bodyStart})
		case *ast.FencedCodeBlock:
			if len(headings) > 0 || settingsStart >= 0 {
				continue
			}
			// Only a block tagged with the settings marker is settings; any
			// other leading fence is ordinary message content.
			if infoString(node, source) != c.settingsTag {
				continue
			}
			start, end, ok := fenceExtent(node, source)
			if !ok {
				continue
			}
			settingsStart, settingsEnd = start, end
			settingsRaw = interior(node, source)
		}
	}

	firstHeading := len(source)
	if len(headings) > 0 {
		firstHeading = headings[0].lineStart
	}
	pre := source[:firstHeading]
	if settingsStart >= 0 && settingsEnd <= len(pre) {
		pre = append(append([]byte{}, pre[:settingsStart]...), pre[settingsEnd:]...)
	}
	preamble = strings.TrimSpace(string(pre))

	for i, h := range headings {
		end := len(source)
		if i+1 < len(headings) {
			end = headings[i+1].lineStart
		}
		body := ""
		if h.bodyStart < end {
			body = strings.TrimSpace(string(source[h.bodyStart:end]))
		}
		sections = append(sections, section{label: h.label, body: body})
	}
	return preamble, settingsRaw, sections
}

// ParseSettings decodes the leading fenced settings block. A document with no
// settings block yields an empty mapping; the caller applies schema defaults.
func (c *Codec) ParseSettings(source []byte) (schema.Settings, error) {
	_, raw, _ := c.split(source)
	settings := make(schema.Settings)
	if len(raw) == 0 {
		return settings, nil
	}
	if err := yaml.Unmarshal(raw, &settings); err != nil {
		return nil, &ParseError{Msg: "malformed settings block", Err: err}
	}
	return settings, nil
}

// ParseAllMessages splits the document into heading sections and maps each to
// a message. Body content before the first heading is attributed to the user.
// Consecutive sections with the same role stay separate messages; merging is
// the session's concern at dispatch time.
func (c *Codec) ParseAllMessages(source []byte) []chat.Message {
	preamble, _, sections := c.split(source)
	var msgs []chat.Message
	if preamble != "" {
		msgs = append(msgs, chat.New(chat.RoleUser, preamble))
	}
	for _, s := range sections {
		msgs = append(msgs, chat.New(c.roleFor(s.label), s.body))
	}
	return msgs
}

// ParseLastMessage returns the message of the last heading section, or false
// if the document has no heading sections.
func (c *Codec) ParseLastMessage(source []byte) (chat.Message, bool) {
	_, _, sections := c.split(source)
	if len(sections) == 0 {
		return chat.Message{}, false
	}
	last := sections[len(sections)-1]
	return chat.New(c.roleFor(last.label), last.body), true
}

// roleFor maps a lowercased heading label to a role. Labels missing from the
// role table are attributed to the user.
func (c *Codec) roleFor(label string) chat.Role {
	if role, ok := c.roles[label]; ok {
		return role
	}
	return chat.RoleUser
}

// RenderContext carries the render-time inputs that are not part of the log.
type RenderContext struct {
	// ShowSettings controls whether the settings block is serialized.
	ShowSettings bool
	// Order lists settings keys in canonical serialization order; keys not
	// listed are appended alphabetically.
	Order []string
	// QuotedContext is external quoted text (e.g. an editor selection)
	// appended as a fenced block after the last message.
	QuotedContext string
	// SuppressContext drops QuotedContext even when present.
	SuppressContext bool
}

// Render serializes a message log and settings back into document text. It is
// the inverse of ParseAllMessages for visible messages: system messages are
// omitted unless explicitly marked visible.
func (c *Codec) Render(msgs []chat.Message, settings schema.Settings, rctx RenderContext) []byte {
	var buf bytes.Buffer

	if rctx.ShowSettings && len(settings) > 0 {
		buf.WriteString("```")
		buf.WriteString(c.settingsTag)
		buf.WriteByte('\n')
		for _, key := range orderedKeys(settings, rctx.Order) {
			buf.WriteString(key)
			buf.WriteString(": ")
			buf.WriteString(renderValue(settings[key]))
			buf.WriteByte('\n')
		}
		buf.WriteString("```\n")
	}

	for _, m := range msgs {
		if !m.Visible {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString("## ")
		buf.WriteString(c.labels[m.Role])
		buf.WriteString("\n\n")
		buf.WriteString(m.Content)
		buf.WriteByte('\n')
	}

	if rctx.QuotedContext != "" && !rctx.SuppressContext {
		if buf.Len() > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString("```\n")
		buf.WriteString(rctx.QuotedContext)
		buf.WriteString("\n```\n")
	}
	return buf.Bytes()
}

// orderedKeys returns the settings keys in the given canonical order, with
// unlisted keys appended alphabetically.
func orderedKeys(settings schema.Settings, order []string) []string {
	seen := make(map[string]bool, len(settings))
	keys := make([]string, 0, len(settings))
	for _, key := range order {
		if _, ok := settings[key]; ok && !seen[key] {
			keys = append(keys, key)
			seen[key] = true
		}
	}
	var rest []string
	for key := range settings {
		if !seen[key] {
			rest = append(rest, key)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}

// renderValue serializes one settings value as a single YAML scalar line.
func renderValue(v any) string {
	out, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return strings.TrimRight(string(out), "\n")
}

// lineStartBefore returns the offset of the start of the line containing pos.
func lineStartBefore(source []byte, pos int) int {
	if pos > len(source) {
		pos = len(source)
	}
	return bytes.LastIndexByte(source[:pos], '\n') + 1
}

// lineEndAfter returns the offset just past the newline following pos.
func lineEndAfter(source []byte, pos int) int {
	idx := bytes.IndexByte(source[pos:], '\n')
	if idx < 0 {
		return len(source)
	}
	return pos + idx + 1
}

// infoString returns the first word of the fence's info string, or "" when
// the fence is untagged.
func infoString(fcb *ast.FencedCodeBlock, source []byte) string {
	if fcb.Info == nil {
		return ""
	}
	info := strings.TrimSpace(string(fcb.Info.Segment.Value(source)))
	if idx := strings.IndexAny(info, " \t"); idx >= 0 {
		info = info[:idx]
	}
	return info
}

// interior concatenates the lines between the fences of a fenced code block.
func interior(fcb *ast.FencedCodeBlock, source []byte) []byte {
	var buf bytes.Buffer
	for i := 0; i < fcb.Lines().Len(); i++ {
		seg := fcb.Lines().At(i)
		buf.Write(source[seg.Start:seg.Stop])
	}
	return buf.Bytes()
}

// fenceExtent locates the full byte range of a fenced code block including
// both fence lines. Blocks with no interior lines and no info string cannot
// be located and are skipped.
func fenceExtent(fcb *ast.FencedCodeBlock, source []byte) (int, int, bool) {
	var anchor int
	switch {
	case fcb.Lines().Len() > 0:
		// Opening fence is the line before the first interior line.
		first := fcb.Lines().At(0)
		lineStart := lineStartBefore(source, first.Start)
		anchor = lineStart - 1
	case fcb.Info != nil:
		anchor = fcb.Info.Segment.Start
	default:
		return 0, 0, false
	}
	start := lineStartBefore(source, anchor)

	end := start
	if fcb.Lines().Len() > 0 {
		last := fcb.Lines().At(fcb.Lines().Len() - 1)
		end = last.Stop
	} else {
		end = lineEndAfter(source, anchor)
	}
	// Closing fence line, if present.
	end = lineEndAfter(source, end)
	return start, end, true
}
