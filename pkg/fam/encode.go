package fam

import (
	"fmt"

	"github.com/buildxl/sandboxcore/pkg/encoding"
)

// Encode re-serializes a parsed FAM back into the byte layout Parse expects,
// used to validate round-trip structural equality (spec testable property
// 6: "re-encoding T and re-parsing yields a structurally equal trie").
func Encode(f *FAM) ([]byte, error) {
	w := encoding.NewWriter()

	w.Tag(tagDebugFlag)
	w.ValidityTagged(f.HasDebugFlag, func() { w.Bool(f.DebugFlag) })

	w.Tag(tagInjectionTimeout)
	w.ValidityTagged(f.HasInjectionTimeout, func() { w.Uint32(f.InjectionTimeoutMinutes) })

	w.Tag(tagPathTranslations)
	w.Uint32(uint32(len(f.PathTranslations)))
	for i, t := range f.PathTranslations {
		if err := w.UTF16String(t.FromPath); err != nil {
			return nil, fmt.Errorf("encoding translation %d from-path: %w", i, err)
		}
		if err := w.UTF16String(t.ToPath); err != nil {
			return nil, fmt.Errorf("encoding translation %d to-path: %w", i, err)
		}
	}

	w.Tag(tagInternalErrorFile)
	if err := w.UTF16String(f.InternalErrorNotificationFile); err != nil {
		return nil, fmt.Errorf("encoding internal-error-file: %w", err)
	}

	w.Tag(tagFlags)
	w.ValidityTagged(f.HasGlobalFlags, func() { w.Uint32(uint32(f.GlobalFlags)) })

	w.Tag(tagExtraFlags)
	w.ValidityTagged(f.HasExtraFlags, func() { w.Uint32(uint32(f.ExtraFlags)) })

	w.Tag(tagPipID)
	w.ValidityTagged(f.HasPipID, func() { w.Uint64(f.PipID) })

	w.Tag(tagReportDescriptor)
	w.Uint32(uint32(f.ReportDescriptor.Kind))
	switch f.ReportDescriptor.Kind {
	case ReportDescriptorInheritedHandle:
		w.Uint64(f.ReportDescriptor.Handle)
	case ReportDescriptorPath:
		if err := w.UTF16String(f.ReportDescriptor.Path); err != nil {
			return nil, fmt.Errorf("encoding report-descriptor path: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown report-descriptor kind %d", f.ReportDescriptor.Kind)
	}

	w.Tag(tagDLLNames)
	if err := w.UTF16String(f.DLLNames.X86); err != nil {
		return nil, fmt.Errorf("encoding x86 dll name: %w", err)
	}
	if err := w.UTF16String(f.DLLNames.X64); err != nil {
		return nil, fmt.Errorf("encoding x64 dll name: %w", err)
	}

	w.Tag(tagShim)
	w.Bool(f.Shim != nil)
	if f.Shim != nil {
		if err := w.UTF16String(f.Shim.ShimPath); err != nil {
			return nil, fmt.Errorf("encoding shim path: %w", err)
		}
		w.Uint32(uint32(len(f.Shim.Patterns)))
		for i, p := range f.Shim.Patterns {
			if err := w.UTF16String(p); err != nil {
				return nil, fmt.Errorf("encoding shim pattern %d: %w", i, err)
			}
		}
	}

	w.Tag(tagTrie)
	if f.Trie == nil {
		return nil, fmt.Errorf("cannot encode FAM with no policy trie")
	}
	if err := encodeTrieNode(w, f.Trie.root); err != nil {
		return nil, fmt.Errorf("encoding policy trie: %w", err)
	}

	return w.Bytes(), nil
}

func encodeTrieNode(w *encoding.Writer, n *Node) error {
	if err := w.UTF16String(n.component); err != nil {
		return fmt.Errorf("encoding component: %w", err)
	}
	w.Uint32(uint32(n.NodePolicy))
	w.Uint32(uint32(n.ConePolicy))
	w.Bool(n.ExpectedUSN != nil)
	if n.ExpectedUSN != nil {
		w.Uint64(*n.ExpectedUSN)
	}
	w.Uint32(uint32(n.PathID))

	w.Uint32(uint32(len(n.children)))
	for _, child := range n.children {
		if err := encodeTrieNode(w, child); err != nil {
			return err
		}
	}
	return nil
}
