package collab

import (
	"golang.org/x/exp/maps"
)

// SectionDraft is the in-progress content of one workspace section. A draft is replaced
// wholesale when merged, so Content and Mode always travel together.
type SectionDraft struct {
	Content   string `json:"content" cbor:"1,keyasint"`
	UpdatedBy string `json:"updatedBy,omitempty" cbor:"2,keyasint,omitempty"`
	// Mode is the section's editing mode as the UI names it, e.g. "edit" or "preview".
	Mode string `json:"mode,omitempty" cbor:"3,keyasint,omitempty"`
}

// WorkspaceState is the shared editing state of a session.
type WorkspaceState struct {
	Sections          map[string]SectionDraft `json:"sections" cbor:"1,keyasint,omitempty"`
	CollapsedSections map[string]bool         `json:"collapsedSections" cbor:"2,keyasint,omitempty"`
	ActiveSection     *string                 `json:"activeSection" cbor:"3,keyasint,omitempty"`
}

// WorkspacePatch is a partial update. Nil maps are left untouched. A nil ActiveSection means
// "not provided"; a pointer to "" clears it.
type WorkspacePatch struct {
	Sections          map[string]SectionDraft `json:"sections,omitempty"`
	CollapsedSections map[string]bool         `json:"collapsedSections,omitempty"`
	ActiveSection     *string                 `json:"activeSection,omitempty"`
}

// Clone deep copies the state so callers can hand it out without sharing maps.
func (s WorkspaceState) Clone() WorkspaceState {
	out := WorkspaceState{
		Sections:          make(map[string]SectionDraft, len(s.Sections)),
		CollapsedSections: make(map[string]bool, len(s.CollapsedSections)),
	}
	maps.Copy(out.Sections, s.Sections)
	maps.Copy(out.CollapsedSections, s.CollapsedSections)
	if s.ActiveSection != nil {
		a := *s.ActiveSection
		out.ActiveSection = &a
	}
	return out
}

// Merge applies p on top of s and returns the result; s is not modified. Sections and
// collapsed sections are merged key by key with p winning. ActiveSection is replaced
// wholesale when p provides it.
func (s WorkspaceState) Merge(p WorkspacePatch) WorkspaceState {
	out := s.Clone()
	for k, v := range p.Sections {
		out.Sections[k] = v
	}
	for k, v := range p.CollapsedSections {
		out.CollapsedSections[k] = v
	}
	if p.ActiveSection != nil {
		if *p.ActiveSection == "" {
			out.ActiveSection = nil
		} else {
			a := *p.ActiveSection
			out.ActiveSection = &a
		}
	}
	return out
}

func (p WorkspacePatch) Empty() bool {
	return len(p.Sections) == 0 && len(p.CollapsedSections) == 0 && p.ActiveSection == nil
}

// SectionPtr is a helper for building patches.
func SectionPtr(key string) *string {
	return &key
}
