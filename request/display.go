package request

var orgTypeNames = map[string]string{
	"school":           "School / School District",
	"parks-rec":        "Parks & Recreation Department",
	"sports-league":    "Sports League",
	"community-center": "Community Center",
	"nonprofit":        "Nonprofit Organization",
	"government":       "Government Agency",
	"other":            "Other",
}

var attendeeNames = map[string]string{
	"under-5k":  "Under 5,000",
	"5k-25k":    "5,000 - 25,000",
	"25k-100k":  "25,000 - 100,000",
	"100k-500k": "100,000 - 500,000",
	"over-500k": "Over 500,000",
}

var timelineNames = map[string]string{
	"immediate":  "Immediate (Within 1 month)",
	"1-3months":  "1-3 Months",
	"3-6months":  "3-6 Months",
	"6-12months": "6-12 Months",
	"planning":   "Still Planning",
}

func display(names map[string]string, code string) string {
	if n, ok := names[code]; ok {
		return n
	}
	return code
}

// OrgTypeDisplay returns the human-readable organization type, or the
// submitted value if it isn't a known code.
func (cr ContactRequest) OrgTypeDisplay() string {
	return display(orgTypeNames, cr.OrgType)
}

// AttendeesDisplay returns the human-readable attendee bracket.
func (cr ContactRequest) AttendeesDisplay() string {
	return display(attendeeNames, cr.Attendees)
}

// TimelineDisplay returns the human-readable timeline.
func (cr ContactRequest) TimelineDisplay() string {
	return display(timelineNames, cr.Timeline)
}
