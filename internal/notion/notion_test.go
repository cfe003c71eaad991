package notion

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jomei/notionapi"

	"github.com/Napageneral/nudge/internal/config"
	"github.com/Napageneral/nudge/internal/reconcile"
)

func text(s string) []notionapi.RichText {
	return []notionapi.RichText{{PlainText: s, Text: &notionapi.Text{Content: s}}}
}

func TestContactFromProperties(t *testing.T) {
	props := notionapi.Properties{
		"Name":            &notionapi.TitleProperty{Title: text("Ada Lovelace")},
		"Primary Phone":   &notionapi.PhoneNumberProperty{PhoneNumber: "+1 734-447-6348"},
		"Secondary Phone": &notionapi.RichTextProperty{RichText: text(" 647 334 1872 ")},
		"Notes":           &notionapi.RichTextProperty{RichText: text("met at pycon")},
	}

	got := ContactFromProperties("page-1", props, []string{"Primary Phone", "Secondary Phone", "Work Phone"})
	want := reconcile.Contact{
		ID:     "page-1",
		Name:   "Ada Lovelace",
		Phones: []string{"+1 734-447-6348", "647 334 1872"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("contact mismatch (-want +got):\n%s", diff)
	}
}

func TestContactFromProperties_Empty(t *testing.T) {
	got := ContactFromProperties("page-2", notionapi.Properties{
		"Primary Phone": &notionapi.PhoneNumberProperty{},
	}, []string{"Primary Phone"})
	if got.Name != "" || len(got.Phones) != 0 {
		t.Fatalf("expected no name and no phones, got %+v", got)
	}
}

func TestUpdateProperties(t *testing.T) {
	at := time.Date(2025, 2, 14, 18, 30, 0, 0, time.UTC)

	props := UpdateProperties("Last Contacted", "Recent Messages", at, "← hi")
	date, ok := props["Last Contacted"].(*notionapi.DateProperty)
	if !ok || date.Date == nil || date.Date.Start == nil {
		t.Fatalf("missing date property: %#v", props["Last Contacted"])
	}
	if !time.Time(*date.Date.Start).Equal(at) {
		t.Fatalf("date = %v, want %v", time.Time(*date.Date.Start), at)
	}
	rt, ok := props["Recent Messages"].(*notionapi.RichTextProperty)
	if !ok || rt.RichText[0].Text.Content != "← hi" {
		t.Fatalf("unexpected digest property: %#v", props["Recent Messages"])
	}

	if _, ok := UpdateProperties("Last Contacted", "Recent Messages", at, "")["Recent Messages"]; ok {
		t.Fatal("empty digest should not be written")
	}

	long := UpdateProperties("Last Contacted", "Recent Messages", at, strings.Repeat("é", 2500))
	content := long["Recent Messages"].(*notionapi.RichTextProperty).RichText[0].Text.Content
	if n := len([]rune(content)); n != maxRichText {
		t.Fatalf("digest length = %d, want %d", n, maxRichText)
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New(config.DirectoryConfig{DatabaseID: "db"}); err == nil {
		t.Fatal("expected error without token")
	}
	if _, err := New(config.DirectoryConfig{Token: "secret"}); err == nil {
		t.Fatal("expected error without database id")
	}
	if _, err := New(config.DirectoryConfig{Token: "secret", DatabaseID: "db", PageSize: 50}); err != nil {
		t.Fatalf("New: %v", err)
	}
}
