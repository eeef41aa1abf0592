package hooks

import (
	"sync/atomic"
	"time"

	"github.com/pitabwire/userbar/model"
)

// Extension point names.
const (
	PointEnrichUserData        = "enrich_user_data"
	PointFinalUserData         = "final_user_data"
	PointCacheTTL              = "cache_ttl"
	PointCapabilityDisplayCap  = "capability_display_cap"
	PointSummaryText           = "summary_text"
	PointShowPanel             = "show_panel"
	PointRoleDisplayName       = "role_display_name"
	PointCapabilityDisplayName = "capability_display_name"
	PointBeforeSections        = "before_sections"
	PointAfterSections         = "after_sections"
	PointUserDataInvalidated   = "user_data_invalidated"
	PointProfileUpdated        = "profile_updated"
	PointUserRegistered        = "user_registered"
)

// Panel sections, in rendering order.
const (
	SectionUserInfo     = "user_info"
	SectionEntity       = "entity"
	SectionCustomFields = "custom_fields"
	SectionRoles        = "roles"
	SectionCapabilities = "capabilities"
)

// Sections lists the built-in panel sections in rendering order.
var Sections = []string{
	SectionUserInfo,
	SectionEntity,
	SectionCustomFields,
	SectionRoles,
	SectionCapabilities,
}

// UserArgs is passed to the user-data filters.
type UserArgs struct {
	Identity model.Identity
	Profile  model.UserProfile
}

// SummaryArgs is passed to the summary text filter.
type SummaryArgs struct {
	Identity model.Identity
	Data     model.AttributeMap
}

// PanelArgs is passed to panel slots. Section is empty for the wrapping
// slots.
type PanelArgs struct {
	Identity model.Identity
	Data     model.AttributeMap
	Section  string
}

// Registry holds every extension point. Callbacks are registered during
// startup from a single goroutine; Freeze then makes the registry read-only
// and safe for concurrent dispatch without locking.
type Registry struct {
	frozen  atomic.Bool
	onError ErrorHandler

	EnrichUserData        *Filter[model.AttributeMap, UserArgs]
	FinalUserData         *Filter[model.AttributeMap, UserArgs]
	CacheTTL              *Filter[time.Duration, struct{}]
	CapabilityDisplayCap  *Filter[int, model.Identity]
	SummaryText           *Filter[string, SummaryArgs]
	ShowPanel             *Filter[bool, *model.RequestContext]
	RoleDisplayName       *Resolver
	CapabilityDisplayName *Resolver
	BeforeSections        *Slot[PanelArgs]
	AfterSections         *Slot[PanelArgs]
	UserDataInvalidated   *Action[model.Identity]
	ProfileUpdated        *Action[model.Identity]
	UserRegistered        *Action[model.Identity]

	before map[string]*Slot[PanelArgs]
	after  map[string]*Slot[PanelArgs]
}

// NewRegistry creates a registry with every extension point empty.
func NewRegistry() *Registry {
	r := &Registry{}
	userData := []filterOption[model.AttributeMap]{
		withClone(model.AttributeMap.Clone),
		withMerge(mergeAttributes),
		withErrorWrap[model.AttributeMap](enrichmentError),
	}

	r.EnrichUserData = newFilter[model.AttributeMap, UserArgs](r, PointEnrichUserData, userData...)
	r.FinalUserData = newFilter[model.AttributeMap, UserArgs](r, PointFinalUserData, userData...)
	r.CacheTTL = newFilter[time.Duration, struct{}](r, PointCacheTTL)
	r.CapabilityDisplayCap = newFilter[int, model.Identity](r, PointCapabilityDisplayCap)
	r.SummaryText = newFilter[string, SummaryArgs](r, PointSummaryText)
	r.ShowPanel = newFilter[bool, *model.RequestContext](r, PointShowPanel)
	r.RoleDisplayName = newResolver(r, PointRoleDisplayName)
	r.CapabilityDisplayName = newResolver(r, PointCapabilityDisplayName)
	r.BeforeSections = newSlot[PanelArgs](r, PointBeforeSections)
	r.AfterSections = newSlot[PanelArgs](r, PointAfterSections)
	r.UserDataInvalidated = newAction[model.Identity](r, PointUserDataInvalidated)
	r.ProfileUpdated = newAction[model.Identity](r, PointProfileUpdated)
	r.UserRegistered = newAction[model.Identity](r, PointUserRegistered)

	r.before = make(map[string]*Slot[PanelArgs], len(Sections))
	r.after = make(map[string]*Slot[PanelArgs], len(Sections))
	for _, s := range Sections {
		r.before[s] = newSlot[PanelArgs](r, "before_"+s)
		r.after[s] = newSlot[PanelArgs](r, "after_"+s)
	}
	return r
}

// mergeAttributes sets every key of out onto a copy of prev. Keys out left
// out keep their previous value: a user-data callback can add or replace
// attributes but never remove one.
func mergeAttributes(prev, out model.AttributeMap) model.AttributeMap {
	merged := prev.Clone()
	for _, k := range out.Keys() {
		v, _ := out.Get(k)
		merged.Set(k, v)
	}
	return merged
}

func enrichmentError(callback string, err error) error {
	return &model.EnrichmentError{Callback: callback, Err: err}
}

// OnError installs the handler that receives callback failures. It must be
// called before Freeze.
func (r *Registry) OnError(h ErrorHandler) {
	if r.frozen.Load() {
		panic("hooks: OnError after registry was frozen")
	}
	r.onError = h
}

// Before returns the slot fired before section. It panics for unknown
// sections.
func (r *Registry) Before(section string) *Slot[PanelArgs] {
	return mustSlot(r.before, section)
}

// After returns the slot fired after section. It panics for unknown
// sections.
func (r *Registry) After(section string) *Slot[PanelArgs] {
	return mustSlot(r.after, section)
}

func mustSlot(slots map[string]*Slot[PanelArgs], section string) *Slot[PanelArgs] {
	s, ok := slots[section]
	if !ok {
		panic("hooks: unknown panel section " + section)
	}
	return s
}

// Freeze makes the registry read-only. Further registrations panic.
func (r *Registry) Freeze() {
	r.frozen.Store(true)
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	return r.frozen.Load()
}
