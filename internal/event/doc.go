// Package event defines the change records produced by the native monitoring
// service and the parser that decodes its raw notifications.
//
// # Raw notification format
//
// The native service delivers one notification per mutation as a newline
// delimited block. The first line carries the kind and the primary identity,
// the remaining lines are metadata pairs:
//
//	Modified: C:\watched\report.docx
//	Watcher: C:\watched
//	Size: 12 bytes
//	PID: 4120
//	ProcessName: WINWORD.EXE
//
// Registry notifications use a fixed textual pattern for the identity:
//
//	UPDATED: Value 'Shell' in registry key 'HKLM\Software\Microsoft\Windows NT\CurrentVersion\Winlogon'
//	Previous Data: 'explorer.exe'
//	New Data: 'explorer.exe, evil.exe'
//
// Every line is split on the first ": " only, so metadata values may contain
// the separator themselves.
//
// # Identity
//
// Events about the same resource recur arbitrarily. The Normalizer for a
// family maps the raw identity to the canonical identity used to group them:
// registry keys lose the " was changed." marker some native builds append,
// filesystem paths are taken as delivered unless case folding is enabled.
//
// # Failure handling
//
// Parse never panics. Notifications without an identity, or with an
// unrecognized registry kind, produce a *ParseError that callers count and
// drop.
package event
