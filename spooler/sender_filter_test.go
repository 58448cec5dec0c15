package spooler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSenderFilter_Allowed(t *testing.T) {
	f := NewSenderFilter([]string{
		"Boss@Example.com",
		"@partners.test",
		"vendor.test",
		"*@*.example.org",
		"scanner-*@office.test",
		"  ",
	})
	cases := []struct {
		from string
		want bool
	}{
		{"boss@example.com", true},
		{"The Boss <BOSS@example.com>", true},
		{"other@example.com", false},
		{"a@partners.test", true},
		{"a@sub.partners.test", false},
		{"billing@vendor.test", true},
		{"clerk@dept.example.org", true},
		{"clerk@example.org", true},
		{"clerk@example.org.evil.test", false},
		{"scanner-3@office.test", true},
		{"printer@office.test", false},
		{"broken header clerk@example.org", true},
		{"no address here", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, f.Allowed(tc.from), tc.from)
	}
}

func TestSenderFilter_EmptyRejectsEveryone(t *testing.T) {
	var nilFilter *SenderFilter
	assert.True(t, nilFilter.Empty())
	assert.False(t, nilFilter.Allowed("a@example.org"))

	f := NewSenderFilter([]string{"", " "})
	assert.True(t, f.Empty())
	assert.False(t, f.Allowed("a@example.org"))
}

func TestExtractAddress(t *testing.T) {
	assert.Equal(t, "ivan@example.org", ExtractAddress("Иван <Ivan@Example.org>"))
	assert.Equal(t, "a.b@c.io", ExtractAddress("a.b@c.io"))
	assert.Equal(t, "x@y.org", ExtractAddress(`"unterminated <x@y.org`))
	assert.Empty(t, ExtractAddress("nobody"))
}
