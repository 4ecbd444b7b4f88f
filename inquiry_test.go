package chatsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeServiceInquiry(t *testing.T) {
	preview := ServicePreview{ID: "svc-1", Title: "Logo design", Price: 49.5, Currency: "USD", SellerID: "seller-1"}

	raw, err := EncodeServiceInquiry(preview, "Is this available?")
	require.NoError(t, err)

	c := ParseContent(raw)
	require.Equal(t, ContentServiceInquiry, c.Kind)
	require.NotNil(t, c.Inquiry)
	assert.Equal(t, ServiceInquiryType, c.Inquiry.Type)
	assert.Equal(t, preview, c.Inquiry.Service)
	assert.Equal(t, "Is this available?", c.Text)
	assert.Equal(t, "Asked about Logo design: Is this available?", c.Summary())
}

func TestEncodeServiceInquiryRequiresID(t *testing.T) {
	_, err := EncodeServiceInquiry(ServicePreview{Title: "x"}, "hi")
	assert.Error(t, err)
}

func TestParseContent(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		kind ContentKind
		text string
	}{
		{"plain text", "hello there", ContentText, "hello there"},
		{"malformed json", `{"type":"service_inquiry","service":`, ContentText, `{"type":"service_inquiry","service":`},
		{"other json type", `{"type":"sticker","id":"7"}`, ContentText, `{"type":"sticker","id":"7"}`},
		{"json array", `["a"]`, ContentText, `["a"]`},
		{"empty", "", ContentText, ""},
		{"inquiry without text", `{"type":"service_inquiry","service":{"id":"s","title":"Tutoring"}}`, ContentServiceInquiry, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := ParseContent(tt.raw)
			assert.Equal(t, tt.kind, c.Kind)
			assert.Equal(t, tt.text, c.Text)
		})
	}
}

func TestContentSummary(t *testing.T) {
	assert.Equal(t, "plain", ParseContent("plain").Summary())
	assert.Equal(t, "Asked about Tutoring",
		ParseContent(`{"type":"service_inquiry","service":{"id":"s","title":"Tutoring"}}`).Summary())
	assert.Equal(t, "Asked about a service: hi",
		ParseContent(`{"type":"service_inquiry","service":{"id":"s"},"text":"hi"}`).Summary())
}
