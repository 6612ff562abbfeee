package event

import (
	"fmt"
	"strings"
	"time"
)

// PayloadVersion is bumped whenever the payload variants gain or change fields.
const PayloadVersion = 1

// Family identifies the notification stream an event arrived on.
type Family string

const (
	// Filesystem events come from the file-change stream.
	Filesystem Family = "filesystem"
	// Registry events come from the registry-change stream.
	Registry Family = "registry"
)

// Families lists every supported family in a stable order.
var Families = []Family{Filesystem, Registry}

// ParseFamily converts a user supplied name ("filesystem", "fs", "registry",
// "reg") into a Family.
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "filesystem", "fs", "file":
		return Filesystem, nil
	case "registry", "reg":
		return Registry, nil
	default:
		return "", fmt.Errorf("unknown event family %q", s)
	}
}

// Kind is the literal change type reported by the native service.
// Filesystem kinds are free-form ("Modified", "NewFile", ...); registry kinds
// are one of the Kind* registry constants.
type Kind string

// Filesystem kinds the native service is known to emit.
const (
	KindCreated   Kind = "Created"
	KindModified  Kind = "Modified"
	KindDeleted   Kind = "Deleted"
	KindRenamed   Kind = "Renamed"
	KindWrite     Kind = "Write"
	KindUnchanged Kind = "Unchanged"
)

// Registry kinds.
const (
	KindUpdated       Kind = "UPDATED"
	KindAdded         Kind = "ADDED"
	KindRemoved       Kind = "REMOVED"
	KindSubkeyAdded   Kind = "SUBKEY_ADDED"
	KindSubkeyRemoved Kind = "SUBKEY_REMOVED"
)

// registryKinds is ordered longest first so prefix matching never classifies
// SUBKEY_ADDED as ADDED.
var registryKinds = []Kind{KindSubkeyRemoved, KindSubkeyAdded, KindUpdated, KindRemoved, KindAdded}

// Class is the coarse category of a kind, used for summaries.
type Class int

const (
	ClassOther Class = iota
	ClassCreate
	ClassModify
	ClassDelete
	ClassRename
)

// String returns a human-readable representation of the class.
func (c Class) String() string {
	switch c {
	case ClassCreate:
		return "create"
	case ClassModify:
		return "modify"
	case ClassDelete:
		return "delete"
	case ClassRename:
		return "rename"
	default:
		return "other"
	}
}

// Class maps a kind onto its coarse category. Unknown filesystem kinds are
// ClassOther.
func (k Kind) Class() Class {
	switch k {
	case KindCreated, "NewFile", KindAdded, KindSubkeyAdded:
		return ClassCreate
	case KindModified, KindWrite, "OverwriteFile", "ExtensionChanged", KindUpdated:
		return ClassModify
	case KindDeleted, "DeleteFile", "DeleteNewFile", KindRemoved, KindSubkeyRemoved:
		return ClassDelete
	case KindRenamed, "RenameFile", "Renamed To", "Moved To":
		return ClassRename
	default:
		return ClassOther
	}
}

// Field is a metadata pair that the payload variant does not model.
type Field struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// FilesystemPayload holds the metadata of a filesystem notification.
type FilesystemPayload struct {
	Watcher      string  `json:"watcher,omitempty"`
	Size         string  `json:"size,omitempty"`
	PID          string  `json:"pid,omitempty"`
	ProcessName  string  `json:"processName,omitempty"`
	ProcessPath  string  `json:"processPath,omitempty"`
	Entropy      float64 `json:"entropy,omitempty"`
	Extension    string  `json:"extension,omitempty"`
	IRPOperation string  `json:"irpOperation,omitempty"`
	GID          string  `json:"gid,omitempty"`
	Created      string  `json:"created,omitempty"`
	Modified     string  `json:"modified,omitempty"`
	Accessed     string  `json:"accessed,omitempty"`
	Readonly     bool    `json:"readonly,omitempty"`
	IsEncrypted  bool    `json:"isEncrypted,omitempty"`
	IsHidden     bool    `json:"isHidden,omitempty"`
	IsTemporary  bool    `json:"isTemporary,omitempty"`

	// Extra keeps unrecognized metadata in arrival order so that format drift
	// in the native service is visible instead of silently dropped.
	Extra []Field `json:"extra,omitempty"`
}

// RegistryPayload holds the metadata of a registry notification.
//
// ValueName is nil for subkey events and points to an empty string for the
// default (unnamed) value. PreviousData and NewData are nil when the
// notification did not carry them.
type RegistryPayload struct {
	ValueName    *string `json:"valueName,omitempty"`
	Subkey       string  `json:"subkey,omitempty"`
	PreviousData *string `json:"previousData,omitempty"`
	NewData      *string `json:"newData,omitempty"`
	Extra        []Field `json:"extra,omitempty"`
}

// ChangeEvent is one observed mutation. Values are never modified after
// parsing; identity is not unique across events.
type ChangeEvent struct {
	Family    Family    `json:"family"`
	Kind      Kind      `json:"type"`
	Identity  string    `json:"identity"`
	Timestamp time.Time `json:"timestamp"`

	// Exactly one of FS and Reg is set, matching Family.
	FS  *FilesystemPayload `json:"fs,omitempty"`
	Reg *RegistryPayload   `json:"registry,omitempty"`
}

// Validate checks that the event is internally consistent.
func (e *ChangeEvent) Validate() error {
	if e.Identity == "" {
		return fmt.Errorf("identity is required")
	}
	if e.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	switch e.Family {
	case Filesystem:
		if e.FS == nil || e.Reg != nil {
			return fmt.Errorf("filesystem event must carry only a filesystem payload")
		}
	case Registry:
		if e.Reg == nil || e.FS != nil {
			return fmt.Errorf("registry event must carry only a registry payload")
		}
		if !isRegistryKind(e.Kind) {
			return fmt.Errorf("unknown registry kind %q", e.Kind)
		}
	default:
		return fmt.Errorf("unknown family %q", e.Family)
	}
	return nil
}

// ValueName returns the registry value name and whether one was present.
func (e *ChangeEvent) ValueName() (string, bool) {
	if e.Reg == nil || e.Reg.ValueName == nil {
		return "", false
	}
	return *e.Reg.ValueName, true
}

// String renders a one-line summary for logs.
func (e *ChangeEvent) String() string {
	if name, ok := e.ValueName(); ok {
		return fmt.Sprintf("%s %s [%s] @ %s", e.Kind, e.Identity, name, e.Timestamp.Format(time.RFC3339))
	}
	return fmt.Sprintf("%s %s @ %s", e.Kind, e.Identity, e.Timestamp.Format(time.RFC3339))
}

func isRegistryKind(k Kind) bool {
	for _, rk := range registryKinds {
		if k == rk {
			return true
		}
	}
	return false
}
