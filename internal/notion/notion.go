// Package notion implements the reconcile.Directory contract over a Notion
// contacts database.
package notion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jomei/notionapi"

	"github.com/Napageneral/nudge/internal/config"
	"github.com/Napageneral/nudge/internal/reconcile"
)

// Notion rejects rich text blocks longer than this.
const maxRichText = 2000

// Directory reads contacts from and writes "last contacted" data to one
// Notion database.
type Directory struct {
	client                 *notionapi.Client
	databaseID             notionapi.DatabaseID
	phoneProperties        []string
	lastContactedProperty  string
	recentMessagesProperty string
	pageSize               int
}

var _ reconcile.Directory = (*Directory)(nil)

// New builds a Directory from config. The token and database id are required.
func New(cfg config.DirectoryConfig) (*Directory, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("notion token not set (NOTION_TOKEN)")
	}
	if cfg.DatabaseID == "" {
		return nil, fmt.Errorf("notion database id not set (NOTION_DATABASE_ID)")
	}
	return &Directory{
		client:                 notionapi.NewClient(notionapi.Token(cfg.Token)),
		databaseID:             notionapi.DatabaseID(cfg.DatabaseID),
		phoneProperties:        cfg.PhoneProperties,
		lastContactedProperty:  cfg.LastContactedProperty,
		recentMessagesProperty: cfg.RecentMessagesProperty,
		pageSize:               cfg.PageSize,
	}, nil
}

// ListContacts queries one page of the database.
func (d *Directory) ListContacts(ctx context.Context, cursor string) (reconcile.Page, error) {
	req := &notionapi.DatabaseQueryRequest{PageSize: d.pageSize}
	if cursor != "" {
		req.StartCursor = notionapi.Cursor(cursor)
	}
	resp, err := d.client.Database.Query(ctx, d.databaseID, req)
	if err != nil {
		return reconcile.Page{}, fmt.Errorf("failed to query notion database: %w", err)
	}

	page := reconcile.Page{
		HasMore:    resp.HasMore,
		NextCursor: string(resp.NextCursor),
	}
	for _, p := range resp.Results {
		page.Contacts = append(page.Contacts, ContactFromProperties(p.ID.String(), p.Properties, d.phoneProperties))
	}
	return page, nil
}

// UpdateContact sets the last-contacted date and, when non-empty, the
// recent-messages digest on a contact page.
func (d *Directory) UpdateContact(ctx context.Context, id string, lastContacted time.Time, digest string) error {
	_, err := d.client.Page.Update(ctx, notionapi.PageID(id), &notionapi.PageUpdateRequest{
		Properties: UpdateProperties(d.lastContactedProperty, d.recentMessagesProperty, lastContacted, digest),
	})
	if err != nil {
		return fmt.Errorf("failed to update notion page %s: %w", id, err)
	}
	return nil
}

// ContactFromProperties extracts the display name (the title property) and
// the raw values of the named phone properties.
func ContactFromProperties(id string, props notionapi.Properties, phoneProperties []string) reconcile.Contact {
	c := reconcile.Contact{ID: id}
	for _, prop := range props {
		if p, ok := prop.(*notionapi.TitleProperty); ok {
			c.Name = plainText(p.Title)
		}
	}
	for _, name := range phoneProperties {
		if v := propertyText(props[name]); v != "" {
			c.Phones = append(c.Phones, v)
		}
	}
	return c
}

func propertyText(prop notionapi.Property) string {
	switch p := prop.(type) {
	case *notionapi.PhoneNumberProperty:
		return p.PhoneNumber
	case *notionapi.RichTextProperty:
		return plainText(p.RichText)
	case *notionapi.TitleProperty:
		return plainText(p.Title)
	default:
		return ""
	}
}

func plainText(rt []notionapi.RichText) string {
	var b strings.Builder
	for _, r := range rt {
		switch {
		case r.PlainText != "":
			b.WriteString(r.PlainText)
		case r.Text != nil:
			b.WriteString(r.Text.Content)
		}
	}
	return strings.TrimSpace(b.String())
}

// UpdateProperties builds the page properties written for one contact.
func UpdateProperties(lastContactedProp, recentProp string, lastContacted time.Time, digest string) notionapi.Properties {
	start := notionapi.Date(lastContacted)
	props := notionapi.Properties{
		lastContactedProp: &notionapi.DateProperty{
			Date: &notionapi.DateObject{Start: &start},
		},
	}
	if digest != "" && recentProp != "" {
		if r := []rune(digest); len(r) > maxRichText {
			digest = string(r[:maxRichText])
		}
		props[recentProp] = &notionapi.RichTextProperty{
			RichText: []notionapi.RichText{{Text: &notionapi.Text{Content: digest}}},
		}
	}
	return props
}
