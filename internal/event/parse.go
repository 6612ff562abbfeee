package event

import (
	"bufio"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrParse is the sentinel matched by every *ParseError.
var ErrParse = errors.New("malformed change notification")

// ParseError describes why a raw notification was rejected.
type ParseError struct {
	Family Family
	Reason string
	// Line is the offending header line, truncated for logging.
	Line string
}

func (e *ParseError) Error() string {
	if e.Line == "" {
		return fmt.Sprintf("parse %s notification: %s", e.Family, e.Reason)
	}
	return fmt.Sprintf("parse %s notification: %s (line %q)", e.Family, e.Reason, e.Line)
}

// Unwrap lets errors.Is(err, ErrParse) match.
func (e *ParseError) Unwrap() error { return ErrParse }

const headerSep = ": "

var (
	// Value 'Shell' in registry key 'HKLM\...\Winlogon'
	valuePattern = regexp.MustCompile(`^Value '(.*?)' in registry key '(.*)'`)
	// Subkey 'Run' was added in registry key 'HKCU\Software\...'
	subkeyPattern = regexp.MustCompile(`^Subkey '(.*?)'.* in registry key '(.*)'`)
)

// Parser decodes raw notifications. The zero value uses time.Now as the
// receipt clock.
type Parser struct {
	// Now supplies the timestamp for notifications that carry none.
	Now func() time.Time
}

var defaultParser Parser

// Parse decodes one raw notification using the wall clock for receipt time.
func Parse(raw string, family Family) (*ChangeEvent, error) {
	return defaultParser.Parse(raw, family)
}

// Parse decodes one raw notification of the given family.
//
// It returns a *ParseError when the identity is missing or the kind is not
// recognized. It never panics.
func (p Parser) Parse(raw string, family Family) (*ChangeEvent, error) {
	header, meta := splitBlock(raw)
	if header == "" {
		return nil, &ParseError{Family: family, Reason: "empty notification"}
	}

	kindText, content, ok := strings.Cut(header, headerSep)
	if !ok {
		return nil, &ParseError{Family: family, Reason: "header has no kind separator", Line: truncate(header)}
	}
	kindText = strings.TrimSpace(kindText)

	var ev *ChangeEvent
	var err error
	switch family {
	case Filesystem:
		ev, err = parseFilesystem(kindText, content, meta)
	case Registry:
		ev, err = parseRegistry(kindText, content, meta)
	default:
		return nil, &ParseError{Family: family, Reason: "unknown family"}
	}
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			pe.Family = family
			if pe.Line == "" {
				pe.Line = truncate(header)
			}
		}
		return nil, err
	}

	ev.Family = family
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.now()
	}
	return ev, nil
}

func (p Parser) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

// splitBlock returns the first non-blank line and the metadata pairs that
// follow it. Lines without a separator are ignored.
func splitBlock(raw string) (string, []Field) {
	var header string
	var meta []Field

	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if header == "" {
			if strings.TrimSpace(line) == "" {
				continue
			}
			header = strings.TrimSpace(line)
			continue
		}

		key, value, ok := strings.Cut(line, headerSep)
		if !ok {
			// "Key:" with an empty value still counts as present.
			if k, found := strings.CutSuffix(strings.TrimSpace(line), ":"); found && k != "" {
				meta = append(meta, Field{Key: k})
			}
			continue
		}
		meta = append(meta, Field{Key: strings.TrimSpace(key), Value: strings.TrimSpace(value)})
	}
	// A scanner error can only be a line above the buffer cap; whatever was
	// read so far is still usable.
	return header, meta
}

func parseFilesystem(kindText, content string, meta []Field) (*ChangeEvent, error) {
	if kindText == "" {
		return nil, &ParseError{Reason: "missing kind"}
	}
	path := strings.TrimSpace(content)
	if path == "" {
		return nil, &ParseError{Reason: "missing path"}
	}

	ev := &ChangeEvent{
		Kind:     Kind(kindText),
		Identity: path,
		FS:       &FilesystemPayload{},
	}
	p := ev.FS
	for _, f := range meta {
		switch f.Key {
		case "Watcher":
			p.Watcher = f.Value
		case "Size":
			p.Size = f.Value
		case "PID":
			p.PID = f.Value
		case "ProcessName", "process_name":
			p.ProcessName = f.Value
		case "ProcessPath", "process_path":
			p.ProcessPath = f.Value
		case "Extension":
			p.Extension = f.Value
		case "IRPOperation":
			p.IRPOperation = f.Value
		case "GID":
			p.GID = f.Value
		case "Created":
			p.Created = f.Value
		case "Modified":
			p.Modified = f.Value
		case "Accessed":
			p.Accessed = f.Value
		case "Entropy":
			v, err := strconv.ParseFloat(f.Value, 64)
			if err != nil {
				p.Extra = append(p.Extra, f)
				continue
			}
			p.Entropy = v
		case "Readonly", "IsEncrypted", "IsHidden", "IsTemporary":
			v, err := strconv.ParseBool(f.Value)
			if err != nil {
				p.Extra = append(p.Extra, f)
				continue
			}
			setFlag(p, f.Key, v)
		case "Timestamp":
			if !setTimestamp(ev, f.Value) {
				p.Extra = append(p.Extra, f)
			}
		default:
			p.Extra = append(p.Extra, f)
		}
	}
	return ev, nil
}

func setFlag(p *FilesystemPayload, key string, v bool) {
	switch key {
	case "Readonly":
		p.Readonly = v
	case "IsEncrypted":
		p.IsEncrypted = v
	case "IsHidden":
		p.IsHidden = v
	case "IsTemporary":
		p.IsTemporary = v
	}
}

func parseRegistry(kindText, content string, meta []Field) (*ChangeEvent, error) {
	kind, ok := classifyRegistry(kindText)
	if !ok {
		return nil, &ParseError{Reason: fmt.Sprintf("unrecognized registry kind %q", kindText)}
	}

	content = strings.TrimSpace(content)
	ev := &ChangeEvent{Kind: kind, Reg: &RegistryPayload{}}

	if m := valuePattern.FindStringSubmatch(content); m != nil {
		name := m[1]
		ev.Reg.ValueName = &name
		ev.Identity = m[2]
	} else if m := subkeyPattern.FindStringSubmatch(content); m != nil {
		ev.Reg.Subkey = m[1]
		ev.Identity = m[2]
	}
	if strings.TrimSpace(ev.Identity) == "" {
		return nil, &ParseError{Reason: "missing registry key"}
	}

	for _, f := range meta {
		switch f.Key {
		case "Previous Data":
			v := unquote(f.Value)
			ev.Reg.PreviousData = &v
		case "New Data":
			v := unquote(f.Value)
			ev.Reg.NewData = &v
		case "Timestamp":
			if !setTimestamp(ev, f.Value) {
				ev.Reg.Extra = append(ev.Reg.Extra, f)
			}
		default:
			ev.Reg.Extra = append(ev.Reg.Extra, f)
		}
	}
	return ev, nil
}

// classifyRegistry matches the kind token by literal prefix, longest kind
// first.
func classifyRegistry(text string) (Kind, bool) {
	for _, k := range registryKinds {
		if strings.HasPrefix(text, string(k)) {
			return k, true
		}
	}
	return "", false
}

// unquote removes one enclosing pair of single quotes.
func unquote(s string) string {
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return s[1 : len(s)-1]
	}
	return s
}

func setTimestamp(ev *ChangeEvent, value string) bool {
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return false
	}
	ev.Timestamp = ts.UTC()
	return true
}

func truncate(s string) string {
	const max = 120
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
