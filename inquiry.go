package chatsync

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ServiceInquiryType is the discriminator of a service inquiry envelope.
const ServiceInquiryType = "service_inquiry"

// ServicePreview is the listing a buyer is asking about.
type ServicePreview struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Price    float64 `json:"price,omitempty"`
	Currency string  `json:"currency,omitempty"`
	Image    string  `json:"image,omitempty"`
	SellerID string  `json:"sellerId,omitempty"`
}

// ServiceInquiry is the structured message body sent when a pending service
// is attached to the composer.
type ServiceInquiry struct {
	Type    string         `json:"type"`
	Service ServicePreview `json:"service"`
	Text    string         `json:"text"`
}

// EncodeServiceInquiry serializes a service inquiry into message content.
func EncodeServiceInquiry(preview ServicePreview, text string) (string, error) {
	if preview.ID == "" {
		return "", fmt.Errorf("service inquiry: missing service id")
	}
	b, err := json.Marshal(ServiceInquiry{Type: ServiceInquiryType, Service: preview, Text: text})
	if err != nil {
		return "", fmt.Errorf("service inquiry: %w", err)
	}
	return string(b), nil
}

// ContentKind says how message content should be rendered.
type ContentKind int

const (
	ContentText ContentKind = iota
	ContentServiceInquiry
)

// Content is message content decoded for display.
type Content struct {
	Kind    ContentKind
	Text    string
	Inquiry *ServiceInquiry
}

// ParseContent detects structured service inquiries. Anything else, malformed
// JSON included, is returned as plain text.
func ParseContent(raw string) Content {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return Content{Kind: ContentText, Text: raw}
	}
	var inq ServiceInquiry
	if err := json.Unmarshal([]byte(trimmed), &inq); err != nil || inq.Type != ServiceInquiryType {
		return Content{Kind: ContentText, Text: raw}
	}
	return Content{Kind: ContentServiceInquiry, Text: inq.Text, Inquiry: &inq}
}

// Summary is a one-line preview suitable for conversation lists.
func (c Content) Summary() string {
	if c.Kind != ContentServiceInquiry || c.Inquiry == nil {
		return c.Text
	}
	title := c.Inquiry.Service.Title
	if title == "" {
		title = "a service"
	}
	if c.Text == "" {
		return "Asked about " + title
	}
	return "Asked about " + title + ": " + c.Text
}
