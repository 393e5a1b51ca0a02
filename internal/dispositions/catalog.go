package dispositions

import "sort"

// Disposition is a call outcome code chosen by the agent after a call.
type Disposition struct {
	Code        string `json:"code"`
	Category    string `json:"category"`
	Subcategory string `json:"subcategory,omitempty"`
	// RequiresNotes rejects the disposition when notes are empty.
	RequiresNotes bool `json:"requires_notes"`
	// CallbackEligible dispositions may carry a callback time.
	CallbackEligible bool `json:"callback_eligible"`
	// DoNotCall closes every record of the contact in the campaign.
	DoNotCall bool `json:"do_not_call"`
	// Final closes the record the call was dialled from.
	Final bool `json:"final"`
}

const (
	CategoryContacted    = "contacted"
	CategoryNotContacted = "not_contacted"
)

// Catalog maps codes to dispositions.
type Catalog map[string]Disposition

// DefaultCatalog is the built-in code set.
func DefaultCatalog() Catalog {
	list := []Disposition{
		{Code: "sale", Category: CategoryContacted, Subcategory: "converted", RequiresNotes: true, Final: true},
		{Code: "not_interested", Category: CategoryContacted, Subcategory: "declined", Final: true},
		{Code: "callback", Category: CategoryContacted, Subcategory: "requested_callback", CallbackEligible: true},
		{Code: "dnc", Category: CategoryContacted, Subcategory: "do_not_call", RequiresNotes: true, DoNotCall: true, Final: true},
		{Code: "wrong_number", Category: CategoryNotContacted, Subcategory: "bad_data", Final: true},
		{Code: "no_answer", Category: CategoryNotContacted},
		{Code: "busy", Category: CategoryNotContacted},
		{Code: "voicemail", Category: CategoryNotContacted, Subcategory: "left_message", CallbackEligible: true},
	}
	c := make(Catalog, len(list))
	for _, d := range list {
		c[d.Code] = d
	}
	return c
}

func (c Catalog) Lookup(code string) (Disposition, bool) {
	d, ok := c[code]
	return d, ok
}

// List returns the catalog sorted by code.
func (c Catalog) List() []Disposition {
	out := make([]Disposition, 0, len(c))
	for _, d := range c {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
