package xml

import (
	"fmt"

	"github.com/beevik/etree"
)

// Element names of a CalDAV scheduling POST response (RFC 6638 §10.1)
const (
	TagScheduleResponse = "schedule-response"
	TagResponse         = "response"
	TagRecipient        = "recipient"
	TagRequestStatus    = "request-status"
	TagCalendarData     = "calendar-data"
	TagResponseDesc     = "responsedescription"
	TagHref             = "href"
)

// Request status codes used in schedule responses
const (
	StatusSuccess        = "2.0;Success"
	StatusUnknownUser    = "3.7;Invalid calendar user"
	StatusNoSchedulingBy = "5.3;No scheduling support for user"
)

// RecipientResponse is one C:response element, the answer for a single
// recipient of a free/busy or scheduling request
type RecipientResponse struct {
	Recipient     string // calendar user address, e.g. mailto:bob@example.com
	RequestStatus string
	CalendarData  string // optional iCalendar body
	Description   string // optional human readable text
}

// ScheduleResponse is the body returned for a POST to a schedule outbox
type ScheduleResponse struct {
	Responses []RecipientResponse
}

// ToXML converts the response to an XML document
func (s *ScheduleResponse) ToXML() *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)
	root := doc.CreateElement("C:" + TagScheduleResponse)
	AddNamespaces(doc)

	for _, r := range s.Responses {
		resp := root.CreateElement("C:" + TagResponse)
		recipient := resp.CreateElement("C:" + TagRecipient)
		recipient.CreateElement("D:" + TagHref).SetText(r.Recipient)

		status := r.RequestStatus
		if status == "" {
			status = StatusSuccess
		}
		resp.CreateElement("C:" + TagRequestStatus).SetText(status)

		if r.CalendarData != "" {
			resp.CreateElement("C:" + TagCalendarData).CreateCData(r.CalendarData)
		}
		if r.Description != "" {
			resp.CreateElement("D:" + TagResponseDesc).SetText(r.Description)
		}
	}

	return doc
}

// Parse reads a schedule-response document
func (s *ScheduleResponse) Parse(doc *etree.Document) error {
	if doc == nil || doc.Root() == nil {
		return fmt.Errorf("empty document")
	}
	root := doc.Root()
	if root.Tag != TagScheduleResponse {
		return fmt.Errorf("invalid root tag: %s", root.Tag)
	}

	s.Responses = nil
	for _, elem := range root.SelectElements(TagResponse) {
		var r RecipientResponse
		if recipient := elem.SelectElement(TagRecipient); recipient != nil {
			if href := recipient.SelectElement(TagHref); href != nil {
				r.Recipient = href.Text()
			}
		}
		if status := elem.SelectElement(TagRequestStatus); status != nil {
			r.RequestStatus = status.Text()
		}
		if data := elem.SelectElement(TagCalendarData); data != nil {
			r.CalendarData = data.Text()
		}
		if desc := elem.SelectElement(TagResponseDesc); desc != nil {
			r.Description = desc.Text()
		}
		s.Responses = append(s.Responses, r)
	}
	return nil
}

// WriteString serializes the response with indentation
func (s *ScheduleResponse) WriteString() (string, error) {
	doc := s.ToXML()
	doc.Indent(2)
	return doc.WriteToString()
}
