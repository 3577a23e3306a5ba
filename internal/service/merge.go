package service

import (
	"context"
	"fmt"

	"github.com/voyagen/epgvault/internal/metrics"
	"github.com/voyagen/epgvault/internal/models"
	"github.com/voyagen/epgvault/internal/store"
)

// MergeResult reports what a merge wrote.
type MergeResult struct {
	NewChannels     int   `json:"new_channels"`
	UpdatedChannels int   `json:"updated_channels"`
	Programmes      int64 `json:"programmes"`
}

// Merge stores a parsed batch of channels into scope in one transaction.
// Channels are matched by xmltv id: existing ones get their display names,
// icons and urls overwritten and all of their programmes replaced, new ones
// are inserted. Every programme in the batch is inserted. Nothing is written
// unless the whole batch succeeds.
//
// If the batch carries the same xmltv id more than once, the last occurrence's
// display metadata wins and the programmes of all occurrences are kept.
func Merge(ctx context.Context, s store.Store, scope models.Scope, channels []*models.Channel) (*MergeResult, error) {
	batch := dedupeChannels(channels)
	ids := make([]string, len(batch))
	for i, ch := range batch {
		ids[i] = ch.XMLTVID
	}

	res := &MergeResult{}
	err := s.WithScopeTx(ctx, scope, func(tx store.Tx) error {
		found, err := tx.ChannelsByExternalIDs(ctx, scope, ids)
		if err != nil {
			return fmt.Errorf("ChannelsByExternalIDs: %w", err)
		}
		internal := make(map[string]int64, len(batch))
		for _, ch := range found {
			internal[ch.XMLTVID] = ch.ID
		}

		var updates, inserts []models.Channel
		var replaced []int64
		var newIDs []string
		for _, ch := range batch {
			row := models.Channel{
				XMLTVID:      ch.XMLTVID,
				DisplayNames: ch.DisplayNames,
				Icons:        ch.Icons,
				URLs:         ch.URLs,
			}
			if id, ok := internal[ch.XMLTVID]; ok {
				row.ID = id
				updates = append(updates, row)
				replaced = append(replaced, id)
				continue
			}
			inserts = append(inserts, row)
			newIDs = append(newIDs, ch.XMLTVID)
		}

		if err := tx.UpdateChannels(ctx, updates); err != nil {
			return fmt.Errorf("UpdateChannels: %w", err)
		}
		if len(inserts) > 0 {
			if err := tx.InsertChannels(ctx, scope, inserts); err != nil {
				return fmt.Errorf("InsertChannels: %w", err)
			}
			created, err := tx.ChannelsByExternalIDs(ctx, scope, newIDs)
			if err != nil {
				return fmt.Errorf("ChannelsByExternalIDs (new): %w", err)
			}
			if len(created) != len(inserts) {
				return fmt.Errorf("inserted %d channels, found %d", len(inserts), len(created))
			}
			for _, ch := range created {
				internal[ch.XMLTVID] = ch.ID
			}
		}

		if _, err := tx.DeleteProgrammes(ctx, replaced); err != nil {
			return fmt.Errorf("DeleteProgrammes: %w", err)
		}

		var total int
		for _, ch := range batch {
			total += len(ch.Programmes)
		}
		progs := make([]models.Programme, 0, total)
		for _, ch := range batch {
			id := internal[ch.XMLTVID]
			for _, p := range ch.Programmes {
				p.ChannelID = id
				progs = append(progs, p)
			}
		}
		n, err := tx.InsertProgrammes(ctx, progs)
		if err != nil {
			return fmt.Errorf("InsertProgrammes: %w", err)
		}

		res.NewChannels = len(inserts)
		res.UpdatedChannels = len(updates)
		res.Programmes = n
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.MergedChannels.WithLabelValues("new").Add(float64(res.NewChannels))
	metrics.MergedChannels.WithLabelValues("updated").Add(float64(res.UpdatedChannels))
	metrics.MergedProgrammes.Add(float64(res.Programmes))
	return res, nil
}

// dedupeChannels collapses repeated xmltv ids into one channel at the
// position of the first sighting.
func dedupeChannels(channels []*models.Channel) []*models.Channel {
	index := make(map[string]int, len(channels))
	out := make([]*models.Channel, 0, len(channels))
	for _, ch := range channels {
		i, ok := index[ch.XMLTVID]
		if !ok {
			index[ch.XMLTVID] = len(out)
			out = append(out, ch)
			continue
		}
		prev := out[i]
		merged := *ch
		merged.Programmes = append(append([]models.Programme(nil), prev.Programmes...), ch.Programmes...)
		out[i] = &merged
	}
	return out
}
