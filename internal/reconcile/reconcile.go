// Package reconcile pushes "last contacted" data from local contact
// summaries to an external contact directory matched by phone number.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Napageneral/nudge/internal/phone"
	"github.com/Napageneral/nudge/internal/store"
)

// ErrDirectoryFetch wraps failures listing the directory. It aborts the
// whole pass; update failures never do.
var ErrDirectoryFetch = errors.New("directory fetch failed")

// Contact is one directory entry with its raw phone fields.
type Contact struct {
	ID     string
	Name   string
	Phones []string
}

// Page is one slice of a paginated directory listing.
type Page struct {
	Contacts   []Contact
	HasMore    bool
	NextCursor string
}

// Directory is the external contact directory.
type Directory interface {
	// ListContacts returns the page starting at cursor; "" is the first page.
	ListContacts(ctx context.Context, cursor string) (Page, error)
	UpdateContact(ctx context.Context, id string, lastContacted time.Time, digest string) error
}

// Result counts the outcome of one pass.
type Result struct {
	Updated   int `json:"updated"`
	Unmatched int `json:"unmatched"`
	Skipped   int `json:"skipped"`
	Directory int `json:"directory_contacts"`
}

type Reconciler struct {
	store  *store.Store
	dir    Directory
	logger *zap.Logger
}

func New(s *store.Store, dir Directory, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: s, dir: dir, logger: logger}
}

// Reconcile matches every summary with activity against the directory and
// pushes its latest contact time and message digest.
func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	var res Result

	contacts, err := r.fetchAll(ctx)
	if err != nil {
		return res, err
	}
	res.Directory = len(contacts)
	index := BuildIndex(contacts)
	r.logger.Debug("directory indexed", zap.Int("contacts", len(contacts)), zap.Int("identifiers", len(index)))

	summaries, err := r.store.ListSummaries(ctx, false)
	if err != nil {
		return res, err
	}

	for _, s := range summaries {
		latest := s.LatestContact()
		if latest == nil {
			res.Skipped++
			continue
		}

		contact, ok := Match(index, s.Address)
		if !ok {
			res.Unmatched++
			r.logger.Debug("no directory match", zap.String("address", s.Address))
			continue
		}

		if err := r.dir.UpdateContact(ctx, contact.ID, *latest, Digest(s.RecentMessages)); err != nil {
			res.Unmatched++
			r.logger.Warn("directory update failed",
				zap.String("address", s.Address),
				zap.String("contact_id", contact.ID),
				zap.Error(err),
			)
			continue
		}
		res.Updated++
		r.logger.Info("directory contact updated",
			zap.String("address", s.Address),
			zap.String("contact", contact.Name),
			zap.Time("last_contacted", *latest),
		)

		if err := r.store.SetExternalRef(ctx, s.Address, contact.ID); err != nil {
			return res, err
		}
	}

	r.logger.Info("reconciliation finished",
		zap.Int("updated", res.Updated),
		zap.Int("unmatched", res.Unmatched),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

func (r *Reconciler) fetchAll(ctx context.Context) ([]Contact, error) {
	var all []Contact
	cursor := ""
	for {
		page, err := r.dir.ListContacts(ctx, cursor)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDirectoryFetch, err)
		}
		all = append(all, page.Contacts...)
		if !page.HasMore {
			return all, nil
		}
		if page.NextCursor == "" || page.NextCursor == cursor {
			return nil, fmt.Errorf("%w: directory reported more pages without a new cursor", ErrDirectoryFetch)
		}
		cursor = page.NextCursor
	}
}

// BuildIndex maps every normalized identifier of every contact to that
// contact. When two contacts share an identifier the first one listed keeps it.
func BuildIndex(contacts []Contact) map[string]Contact {
	index := make(map[string]Contact)
	for _, c := range contacts {
		for _, raw := range c.Phones {
			for _, id := range phone.Normalize(raw) {
				if _, taken := index[id]; !taken {
					index[id] = c
				}
			}
		}
	}
	return index
}

// Match returns the contact owning the first of address's identifiers found
// in index.
func Match(index map[string]Contact, address string) (Contact, bool) {
	for _, id := range phone.Normalize(address) {
		if c, ok := index[id]; ok {
			return c, true
		}
	}
	return Contact{}, false
}

// Digest renders recent message snapshots one per line, "→" for sent and
// "←" for everything else.
func Digest(recent []store.Snapshot) string {
	lines := make([]string, 0, len(recent))
	for _, m := range recent {
		arrow := "←"
		if m.Direction == store.Outbound {
			arrow = "→"
		}
		lines = append(lines, arrow+" "+m.Body)
	}
	return strings.Join(lines, "\n")
}
