package event

import (
	"strconv"
	"strings"
	"time"
)

// Format renders an event in the raw notification format accepted by Parse.
// Zero-valued metadata is omitted.
func Format(ev *ChangeEvent) string {
	var b strings.Builder

	switch ev.Family {
	case Registry:
		b.WriteString(string(ev.Kind))
		b.WriteString(headerSep)
		if ev.Reg != nil && ev.Reg.ValueName != nil {
			b.WriteString("Value '" + *ev.Reg.ValueName + "' in registry key '" + ev.Identity + "'")
		} else {
			verb := "was changed"
			switch ev.Kind {
			case KindSubkeyAdded:
				verb = "was added"
			case KindSubkeyRemoved:
				verb = "was removed"
			}
			subkey := ""
			if ev.Reg != nil {
				subkey = ev.Reg.Subkey
			}
			b.WriteString("Subkey '" + subkey + "' " + verb + " in registry key '" + ev.Identity + "'")
		}
		if ev.Reg != nil {
			if ev.Reg.PreviousData != nil {
				writeField(&b, "Previous Data", "'"+*ev.Reg.PreviousData+"'")
			}
			if ev.Reg.NewData != nil {
				writeField(&b, "New Data", "'"+*ev.Reg.NewData+"'")
			}
			for _, f := range ev.Reg.Extra {
				writeField(&b, f.Key, f.Value)
			}
		}

	default:
		b.WriteString(string(ev.Kind))
		b.WriteString(headerSep)
		b.WriteString(ev.Identity)
		if p := ev.FS; p != nil {
			writeField(&b, "Watcher", p.Watcher)
			writeField(&b, "Size", p.Size)
			writeField(&b, "PID", p.PID)
			writeField(&b, "ProcessName", p.ProcessName)
			writeField(&b, "ProcessPath", p.ProcessPath)
			if p.Entropy != 0 {
				writeField(&b, "Entropy", strconv.FormatFloat(p.Entropy, 'f', -1, 64))
			}
			writeField(&b, "Extension", p.Extension)
			writeField(&b, "IRPOperation", p.IRPOperation)
			writeField(&b, "GID", p.GID)
			writeField(&b, "Created", p.Created)
			writeField(&b, "Modified", p.Modified)
			writeField(&b, "Accessed", p.Accessed)
			if p.Readonly {
				writeField(&b, "Readonly", "true")
			}
			if p.IsEncrypted {
				writeField(&b, "IsEncrypted", "true")
			}
			if p.IsHidden {
				writeField(&b, "IsHidden", "true")
			}
			if p.IsTemporary {
				writeField(&b, "IsTemporary", "true")
			}
			for _, f := range p.Extra {
				writeField(&b, f.Key, f.Value)
			}
		}
	}

	if !ev.Timestamp.IsZero() {
		writeField(&b, "Timestamp", ev.Timestamp.UTC().Format(time.RFC3339Nano))
	}
	return b.String()
}

func writeField(b *strings.Builder, key, value string) {
	if value == "" {
		return
	}
	b.WriteByte('\n')
	b.WriteString(key)
	b.WriteString(headerSep)
	b.WriteString(value)
}
