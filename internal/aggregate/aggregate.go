// Package aggregate derives per-address contact summaries from the full
// message and call history. Every pass rebuilds the summary table from
// scratch, so its output depends only on the stored records and the clock.
package aggregate

import (
	"context"
	"sort"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/Napageneral/nudge/internal/store"
)

// UnknownContact is the export's placeholder for an unnamed counterpart.
const UnknownContact = "(Unknown)"

// Flagged is an address that currently needs a reply.
type Flagged struct {
	Address       string               `json:"address"`
	LastInboundAt time.Time            `json:"last_inbound_at"`
	New           bool                 `json:"new"` // not flagged by the previous pass
	Summary       store.ContactSummary `json:"summary"`
}

type Options struct {
	Now               func() time.Time
	StaleAfter        time.Duration
	RecentMessages    int
	SnapshotBodyChars int
	Logger            *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 48 * time.Hour
	}
	if o.RecentMessages <= 0 {
		o.RecentMessages = 3
	}
	if o.SnapshotBodyChars <= 0 {
		o.SnapshotBodyChars = 100
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

type Aggregator struct {
	store *store.Store
	opts  Options
}

func New(s *store.Store, opts Options) *Aggregator {
	return &Aggregator{store: s, opts: opts.withDefaults()}
}

// accumulator folds one address's records, visited in time order.
type accumulator struct {
	address          string
	lastInbound      *time.Time
	lastInboundShort bool
	lastOutbound     *time.Time
	lastCall         *time.Time
	recent           []store.Snapshot
	name             string
	nameAt           time.Time
}

func later(cur *time.Time, t time.Time) *time.Time {
	if cur == nil || t.After(*cur) {
		return &t
	}
	return cur
}

func (a *accumulator) observeName(name string, at time.Time) {
	if name == "" || name == UnknownContact {
		return
	}
	if a.name == "" || !at.Before(a.nameAt) {
		a.name, a.nameAt = name, at
	}
}

// Recompute rebuilds every contact summary and returns the flagged
// addresses, most recent unanswered inbound message first.
func (a *Aggregator) Recompute(ctx context.Context) ([]Flagged, error) {
	previous, err := a.store.FlaggedAddresses(ctx)
	if err != nil {
		return nil, err
	}

	accs := make(map[string]*accumulator)
	get := func(address string) *accumulator {
		acc, ok := accs[address]
		if !ok {
			acc = &accumulator{address: address}
			accs[address] = acc
		}
		return acc
	}

	keep := a.opts.RecentMessages
	err = a.store.EachMessage(ctx, func(m store.Message) error {
		acc := get(m.Address)
		switch m.Direction {
		case store.Inbound:
			if acc.lastInbound == nil || !m.OccurredAt.Before(*acc.lastInbound) {
				at := m.OccurredAt
				acc.lastInbound = &at
				acc.lastInboundShort = m.IsShort
			}
		case store.Outbound:
			acc.lastOutbound = later(acc.lastOutbound, m.OccurredAt)
		}
		acc.recent = append(acc.recent, store.Snapshot{
			At:        m.OccurredAt,
			Direction: m.Direction,
			Body:      TruncateBody(m.Body, a.opts.SnapshotBodyChars),
		})
		if len(acc.recent) > keep {
			acc.recent = acc.recent[len(acc.recent)-keep:]
		}
		acc.observeName(m.ContactName, m.OccurredAt)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = a.store.EachCall(ctx, func(c store.Call) error {
		acc := get(c.Address)
		acc.lastCall = later(acc.lastCall, c.OccurredAt)
		if c.Direction == store.Outbound {
			acc.lastOutbound = later(acc.lastOutbound, c.OccurredAt)
		}
		acc.observeName(c.ContactName, c.OccurredAt)
		return nil
	})
	if err != nil {
		return nil, err
	}

	now := a.opts.Now().UTC()
	summaries := make([]store.ContactSummary, 0, len(accs))
	var flagged []Flagged
	for _, acc := range accs {
		s := store.ContactSummary{
			Address:        acc.address,
			DisplayName:    acc.name,
			LastInboundAt:  acc.lastInbound,
			LastOutboundAt: acc.lastOutbound,
			LastCallAt:     acc.lastCall,
			RecentMessages: acc.recent,
			UpdatedAt:      now,
		}
		s.NeedsReply = NeedsReply(acc.lastInbound, acc.lastOutbound, acc.lastInboundShort, now, a.opts.StaleAfter)
		summaries = append(summaries, s)

		if s.NeedsReply {
			_, was := previous[acc.address]
			flagged = append(flagged, Flagged{
				Address:       acc.address,
				LastInboundAt: *acc.lastInbound,
				New:           !was,
				Summary:       s,
			})
		}
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Address < summaries[j].Address })

	if err := a.store.ReplaceSummaries(ctx, summaries); err != nil {
		return nil, err
	}

	sort.Slice(flagged, func(i, j int) bool {
		if !flagged[i].LastInboundAt.Equal(flagged[j].LastInboundAt) {
			return flagged[i].LastInboundAt.After(flagged[j].LastInboundAt)
		}
		return flagged[i].Address < flagged[j].Address
	})

	a.opts.Logger.Info("contact summaries recomputed",
		zap.Int("contacts", len(summaries)),
		zap.Int("needs_reply", len(flagged)),
	)
	return flagged, nil
}

// NeedsReply reports whether an address's latest inbound message is
// unanswered, older than staleAfter, and not a short acknowledgment.
// A message exactly staleAfter old is not yet flagged.
func NeedsReply(lastInbound, lastOutbound *time.Time, inboundShort bool, now time.Time, staleAfter time.Duration) bool {
	if lastInbound == nil || inboundShort {
		return false
	}
	if lastOutbound != nil && !lastInbound.After(*lastOutbound) {
		return false
	}
	return now.Sub(*lastInbound) > staleAfter
}

// TruncateBody cuts body to at most n characters, marking the cut with "...".
func TruncateBody(body string, n int) string {
	if utf8.RuneCountInString(body) <= n {
		return body
	}
	runes := []rune(body)
	return string(runes[:n]) + "..."
}
