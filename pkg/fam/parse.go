// Package fam decodes the build engine's file-access manifest byte stream
// (spec section 6.1) into an immutable policy trie plus auxiliary tables,
// and implements the policy lookups and access checks (spec sections 4.2,
// 4.3) that the sandbox consults on every observed file operation.
package fam

import (
	"fmt"

	"github.com/buildxl/sandboxcore/pkg/encoding"
)

// Block tags validate each structured block before its body is consumed
// (spec section 6.1: "every structured block carries a 32-bit tag that the
// parser validates before consuming the block's body").
const (
	tagDebugFlag         uint32 = 0x44424700 // "DBG\0"
	tagInjectionTimeout  uint32 = 0x494E4A00 // "INJ\0"
	tagPathTranslations  uint32 = 0x50415400 // "PAT\0"
	tagInternalErrorFile uint32 = 0x49455200 // "IER\0"
	tagFlags             uint32 = 0x464C4700 // "FLG\0"
	tagExtraFlags        uint32 = 0x45464C00 // "EFL\0"
	tagPipID             uint32 = 0x50494400 // "PID\0"
	tagReportDescriptor  uint32 = 0x52455000 // "REP\0"
	tagDLLNames          uint32 = 0x444C4C00 // "DLL\0"
	tagShim              uint32 = 0x53484D00 // "SHM\0"
	tagTrie              uint32 = 0x54524900 // "TRI\0"
)

// minimumInjectionTimeoutMinutes is the floor enforced at parse time (spec
// section 6.1, item 2).
const minimumInjectionTimeoutMinutes = 10

// Translation is a single path-translation rule (spec section 6.1, item 3).
// FromPath is lowercased at parse time for case-insensitive matching.
type Translation struct {
	FromPath string
	ToPath   string
}

// ReportDescriptorKind distinguishes the two ways the engine may supply the
// report destination (spec section 6.1, item 8).
type ReportDescriptorKind uint8

const (
	// ReportDescriptorInheritedHandle means the report stream was already
	// opened by the engine and inherited by the pip's root process.
	ReportDescriptorInheritedHandle ReportDescriptorKind = iota
	// ReportDescriptorPath means the core must create the report stream at
	// the given path.
	ReportDescriptorPath
)

// ReportDescriptor identifies where outgoing reports should be written.
type ReportDescriptor struct {
	Kind   ReportDescriptorKind
	Handle uint64
	Path   string
}

// DLLNames carries the x86 and x64 detour DLL names (Windows-only in the
// original, but always present in the wire format; spec section 6.1, item
// 9). The core does not load these itself (host-layer work, spec section
// 9); it only carries them through for the host.
type DLLNames struct {
	X86 string
	X64 string
}

// ShimInfo describes the optional substitute-process-execution shim (spec
// section 6.1, item 10). The core neither invokes nor interprets it.
type ShimInfo struct {
	ShimPath string
	Patterns []string
}

// FAM is the parsed, immutable representation of a file-access manifest.
// Every field corresponds to a block in spec section 6.1's byte layout.
type FAM struct {
	DebugFlag                     bool
	HasDebugFlag                  bool
	InjectionTimeoutMinutes       uint32
	HasInjectionTimeout           bool
	PathTranslations               []Translation
	InternalErrorNotificationFile string
	GlobalFlags                   Flags
	HasGlobalFlags                bool
	ExtraFlags                     ExtraFlags
	HasExtraFlags                  bool
	PipID                           uint64
	HasPipID                        bool
	ReportDescriptor                ReportDescriptor
	DLLNames                        DLLNames
	Shim                             *ShimInfo
	Trie                             *Trie

	// ProcessPath is the root process's executable path, supplied by the
	// caller of Parse (spec section 3: "a process path (for the root
	// process of the pip)"), not itself a manifest block.
	ProcessPath string
}

// Parse decodes raw FAM bytes into an immutable FAM structure. Malformed
// input (size inconsistency, tag mismatch, truncation) is a fatal
// construction error for the pip (spec section 4.2, "Failure").
func Parse(data []byte, processPath string, caseSensitiveTrie bool) (*FAM, error) {
	r := encoding.NewReader(data)

	f := &FAM{ProcessPath: processPath}

	var err error
	if err = r.Tag(tagDebugFlag); err != nil {
		return nil, fmt.Errorf("manifest malformed at debug-flag block: %w", err)
	}
	if f.HasDebugFlag, err = r.ValidityTagged(func() error {
		v, err := r.Bool()
		f.DebugFlag = v
		return err
	}); err != nil {
		return nil, fmt.Errorf("manifest malformed decoding debug flag: %w", err)
	}

	if err = r.Tag(tagInjectionTimeout); err != nil {
		return nil, fmt.Errorf("manifest malformed at injection-timeout block: %w", err)
	}
	if f.HasInjectionTimeout, err = r.ValidityTagged(func() error {
		v, err := r.Uint32()
		if err != nil {
			return err
		}
		if v < minimumInjectionTimeoutMinutes {
			v = minimumInjectionTimeoutMinutes
		}
		f.InjectionTimeoutMinutes = v
		return nil
	}); err != nil {
		return nil, fmt.Errorf("manifest malformed decoding injection timeout: %w", err)
	}

	if err = r.Tag(tagPathTranslations); err != nil {
		return nil, fmt.Errorf("manifest malformed at path-translation block: %w", err)
	}
	count, err := r.Uint32()
	if err != nil {
		return nil, fmt.Errorf("manifest malformed decoding path-translation count: %w", err)
	}
	f.PathTranslations = make([]Translation, 0, count)
	for i := uint32(0); i < count; i++ {
		from, err := r.UTF16String()
		if err != nil {
			return nil, fmt.Errorf("manifest malformed decoding translation %d from-path: %w", i, err)
		}
		to, err := r.UTF16String()
		if err != nil {
			return nil, fmt.Errorf("manifest malformed decoding translation %d to-path: %w", i, err)
		}
		f.PathTranslations = append(f.PathTranslations, Translation{FromPath: lowercaseASCII(from), ToPath: to})
	}

	if err = r.Tag(tagInternalErrorFile); err != nil {
		return nil, fmt.Errorf("manifest malformed at internal-error-file block: %w", err)
	}
	if f.InternalErrorNotificationFile, err = r.UTF16String(); err != nil {
		return nil, fmt.Errorf("manifest malformed decoding internal-error-file: %w", err)
	}

	if err = r.Tag(tagFlags); err != nil {
		return nil, fmt.Errorf("manifest malformed at flags block: %w", err)
	}
	if f.HasGlobalFlags, err = r.ValidityTagged(func() error {
		v, err := r.Uint32()
		f.GlobalFlags = Flags(v)
		return err
	}); err != nil {
		return nil, fmt.Errorf("manifest malformed decoding flags: %w", err)
	}

	if err = r.Tag(tagExtraFlags); err != nil {
		return nil, fmt.Errorf("manifest malformed at extra-flags block: %w", err)
	}
	if f.HasExtraFlags, err = r.ValidityTagged(func() error {
		v, err := r.Uint32()
		f.ExtraFlags = ExtraFlags(v)
		return err
	}); err != nil {
		return nil, fmt.Errorf("manifest malformed decoding extra flags: %w", err)
	}

	if err = r.Tag(tagPipID); err != nil {
		return nil, fmt.Errorf("manifest malformed at pip-id block: %w", err)
	}
	if f.HasPipID, err = r.ValidityTagged(func() error {
		v, err := r.Uint64()
		f.PipID = v
		return err
	}); err != nil {
		return nil, fmt.Errorf("manifest malformed decoding pip id: %w", err)
	}
	if !f.HasPipID {
		return nil, fmt.Errorf("manifest malformed: pip id is required")
	}

	if err = r.Tag(tagReportDescriptor); err != nil {
		return nil, fmt.Errorf("manifest malformed at report-descriptor block: %w", err)
	}
	kind, err := r.Uint32()
	if err != nil {
		return nil, fmt.Errorf("manifest malformed decoding report-descriptor kind: %w", err)
	}
	f.ReportDescriptor.Kind = ReportDescriptorKind(kind)
	switch f.ReportDescriptor.Kind {
	case ReportDescriptorInheritedHandle:
		if f.ReportDescriptor.Handle, err = r.Uint64(); err != nil {
			return nil, fmt.Errorf("manifest malformed decoding report-descriptor handle: %w", err)
		}
	case ReportDescriptorPath:
		if f.ReportDescriptor.Path, err = r.UTF16String(); err != nil {
			return nil, fmt.Errorf("manifest malformed decoding report-descriptor path: %w", err)
		}
	default:
		return nil, fmt.Errorf("manifest malformed: unknown report-descriptor kind %d", kind)
	}

	if err = r.Tag(tagDLLNames); err != nil {
		return nil, fmt.Errorf("manifest malformed at dll-name block: %w", err)
	}
	if f.DLLNames.X86, err = r.UTF16String(); err != nil {
		return nil, fmt.Errorf("manifest malformed decoding x86 dll name: %w", err)
	}
	if f.DLLNames.X64, err = r.UTF16String(); err != nil {
		return nil, fmt.Errorf("manifest malformed decoding x64 dll name: %w", err)
	}

	if err = r.Tag(tagShim); err != nil {
		return nil, fmt.Errorf("manifest malformed at shim block: %w", err)
	}
	hasShim, err := r.Bool()
	if err != nil {
		return nil, fmt.Errorf("manifest malformed decoding shim presence: %w", err)
	}
	if hasShim {
		shimPath, err := r.UTF16String()
		if err != nil {
			return nil, fmt.Errorf("manifest malformed decoding shim path: %w", err)
		}
		patternCount, err := r.Uint32()
		if err != nil {
			return nil, fmt.Errorf("manifest malformed decoding shim pattern count: %w", err)
		}
		patterns := make([]string, 0, patternCount)
		for i := uint32(0); i < patternCount; i++ {
			p, err := r.UTF16String()
			if err != nil {
				return nil, fmt.Errorf("manifest malformed decoding shim pattern %d: %w", i, err)
			}
			patterns = append(patterns, p)
		}
		f.Shim = &ShimInfo{ShimPath: shimPath, Patterns: patterns}
	}

	if err = r.Tag(tagTrie); err != nil {
		return nil, fmt.Errorf("manifest malformed at trie block: %w", err)
	}
	trie := NewTrie(caseSensitiveTrie)
	if err := decodeTrieNode(r, trie.root, caseSensitiveTrie); err != nil {
		return nil, fmt.Errorf("manifest malformed decoding policy trie: %w", err)
	}
	f.Trie = trie

	if r.Remaining() != 0 {
		return nil, fmt.Errorf("manifest malformed: %d trailing bytes", r.Remaining())
	}

	return f, nil
}

func decodeTrieNode(r *encoding.Reader, n *Node, caseSensitive bool) error {
	component, err := r.UTF16String()
	if err != nil {
		return fmt.Errorf("decoding component: %w", err)
	}
	n.component = component

	nodePolicy, err := r.Uint32()
	if err != nil {
		return fmt.Errorf("decoding node policy: %w", err)
	}
	n.NodePolicy = Policy(nodePolicy)

	conePolicy, err := r.Uint32()
	if err != nil {
		return fmt.Errorf("decoding cone policy: %w", err)
	}
	n.ConePolicy = Policy(conePolicy)

	hasUSN, err := r.Bool()
	if err != nil {
		return fmt.Errorf("decoding USN presence: %w", err)
	}
	if hasUSN {
		usn, err := r.Uint64()
		if err != nil {
			return fmt.Errorf("decoding USN: %w", err)
		}
		n.ExpectedUSN = &usn
	}

	pathID, err := r.Uint32()
	if err != nil {
		return fmt.Errorf("decoding path id: %w", err)
	}
	n.PathID = int32(pathID)

	childCount, err := r.Uint32()
	if err != nil {
		return fmt.Errorf("decoding child count: %w", err)
	}

	if n.children == nil && childCount > 0 {
		n.children = make(map[string]*Node, childCount)
	}
	for i := uint32(0); i < childCount; i++ {
		child := newNode("")
		if err := decodeTrieNode(r, child, caseSensitive); err != nil {
			return fmt.Errorf("decoding child %d: %w", i, err)
		}
		key := child.component
		if !caseSensitive {
			key = lowercaseASCII(key)
		}
		n.children[key] = child
	}

	return nil
}

func lowercaseASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
