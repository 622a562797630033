package hds

import (
	"fmt"
)

// Bootstrap is the content of an abst box.
type Bootstrap struct {
	Version          uint32
	Profile          uint8
	Live             bool
	Update           bool
	TimeScale        uint32
	CurrentMediaTime uint64
	SMPTEOffset      uint64
	MovieIdentifier  string
	Servers          []string
	Qualities        []string
	DRMData          string
	MetaData         string
	SegmentRuns      []SegmentRunTable
	FragmentRuns     []FragmentRunTable
}

// SegmentRunTable is the content of an asrt box.
type SegmentRunTable struct {
	QualityModifiers []string
	Entries          []SegmentRun
}

// SegmentRun maps a run of segments to their fragment count.
type SegmentRun struct {
	FirstSegment        uint32
	FragmentsPerSegment uint32
}

// FragmentRunTable is the content of an afrt box.
type FragmentRunTable struct {
	TimeScale        uint32
	QualityModifiers []string
	Entries          []FragmentRun
}

// FragmentRun describes a run of fragments with the same duration. A zero duration entry
// carries a discontinuity indicator instead.
type FragmentRun struct {
	FirstFragment          uint32
	FirstFragmentTimestamp uint64
	FragmentDuration       uint32
	Discontinuity          uint8
	HasDiscontinuity       bool
}

// ParseBootstrap decodes a bootstrap info box.
func ParseBootstrap(data []byte) (*Bootstrap, error) {
	c := &cursor{b: data}
	top, err := c.nextBox()
	if err != nil {
		return nil, fmt.Errorf("failed to read bootstrap: %w", err)
	}
	if top.typ != "abst" {
		return nil, fmt.Errorf("unexpected %q box, expected abst", top.typ)
	}

	c = &cursor{b: top.payload}
	c.u32() // version and flags
	b := &Bootstrap{Version: c.u32()}
	flags := c.u8()
	b.Profile = flags >> 6
	b.Live = flags&0x20 != 0
	b.Update = flags&0x10 != 0
	b.TimeScale = c.u32()
	b.CurrentMediaTime = c.u64()
	b.SMPTEOffset = c.u64()
	b.MovieIdentifier = c.str()
	b.Servers = c.strings()
	b.Qualities = c.strings()
	b.DRMData = c.str()
	b.MetaData = c.str()
	if c.err != nil {
		return nil, fmt.Errorf("failed to read abst: %w", c.err)
	}

	for n := int(c.u8()); n > 0 && c.err == nil; n-- {
		sub, err := c.nextBox()
		if err != nil {
			return nil, fmt.Errorf("failed to read asrt: %w", err)
		}
		b.SegmentRuns = append(b.SegmentRuns, parseSegmentRunTable(sub.payload))
	}
	for n := int(c.u8()); n > 0 && c.err == nil; n-- {
		sub, err := c.nextBox()
		if err != nil {
			return nil, fmt.Errorf("failed to read afrt: %w", err)
		}
		frt, err := parseFragmentRunTable(sub.payload)
		if err != nil {
			return nil, err
		}
		b.FragmentRuns = append(b.FragmentRuns, frt)
	}
	if c.err != nil {
		return nil, fmt.Errorf("failed to read abst: %w", c.err)
	}
	if len(b.SegmentRuns) == 0 || len(b.FragmentRuns) == 0 {
		return nil, fmt.Errorf("bootstrap has no segment or fragment run table")
	}
	if len(b.SegmentRuns[0].Entries) == 0 {
		return nil, fmt.Errorf("bootstrap segment run table is empty")
	}
	return b, nil
}

func parseSegmentRunTable(p []byte) SegmentRunTable {
	c := &cursor{b: p}
	c.u32() // version and flags
	t := SegmentRunTable{QualityModifiers: c.strings()}
	for n := c.u32(); n > 0 && c.err == nil; n-- {
		e := SegmentRun{FirstSegment: c.u32(), FragmentsPerSegment: c.u32()}
		if c.err == nil {
			t.Entries = append(t.Entries, e)
		}
	}
	return t
}

func parseFragmentRunTable(p []byte) (FragmentRunTable, error) {
	c := &cursor{b: p}
	c.u32() // version and flags
	t := FragmentRunTable{TimeScale: c.u32()}
	t.QualityModifiers = c.strings()
	for n := c.u32(); n > 0 && c.err == nil; n-- {
		e := FragmentRun{
			FirstFragment:          c.u32(),
			FirstFragmentTimestamp: c.u64(),
			FragmentDuration:       c.u32(),
		}
		if e.FragmentDuration == 0 {
			e.Discontinuity, e.HasDiscontinuity = c.u8(), true
		}
		if c.err == nil {
			t.Entries = append(t.Entries, e)
		}
	}
	if c.err != nil {
		return t, fmt.Errorf("failed to read afrt: %w", c.err)
	}
	if t.TimeScale == 0 {
		return t, fmt.Errorf("afrt time scale is zero")
	}
	return t, nil
}

// fragmentRange returns the first and last available fragment numbers. Runs past an
// end-of-presentation discontinuity are ignored and the last run is extended to the
// current media time.
func (b *Bootstrap) fragmentRange() (first, last uint32) {
	var hasFirst, hasLast bool
	for _, run := range b.FragmentRuns[0].Entries {
		if run.HasDiscontinuity {
			if run.Discontinuity == 0 {
				break
			}
			continue
		}
		if !hasFirst {
			first, hasFirst = run.FirstFragment, true
		}
		last, hasLast = run.FirstFragment, true
		end := run.FirstFragmentTimestamp + uint64(run.FragmentDuration)
		if b.CurrentMediaTime > end {
			last += uint32((b.CurrentMediaTime - end) / uint64(run.FragmentDuration))
		}
	}
	if !hasFirst {
		first = 1
	}
	if !hasLast {
		last = 1
	}
	return first, last
}

// fragmentInfo walks the fragment runs for fragment. It returns the fragment duration in
// seconds, the fragments marked by discontinuities, and the fragment preceding an
// end-of-presentation marker (zero when there is none).
func (b *Bootstrap) fragmentInfo(fragment uint32) (duration float64, invalid map[uint32]bool, end uint32) {
	table := b.FragmentRuns[0]
	invalid = make(map[uint32]bool)
	for i, run := range table.Entries {
		if run.HasDiscontinuity {
			invalid[run.FirstFragment] = true
			if run.Discontinuity == 0 {
				if i > 0 && run.FirstFragment > 0 {
					end = run.FirstFragment - 1
				}
				break
			}
			continue
		}
		if fragment >= run.FirstFragment {
			duration = float64(run.FragmentDuration) / float64(table.TimeScale)
		}
	}
	return duration, invalid, end
}

// segmentOf returns the segment holding fragment. Tables whose first entry starts at segment 1
// count forward from the first fragment; others count backward from the last fragment.
func (b *Bootstrap) segmentOf(fragment, firstFragment, lastFragment uint32) uint32 {
	table := b.SegmentRuns[0].Entries
	if table[0].FirstSegment == 1 {
		prev := int64(firstFragment) - 1
		for _, run := range table {
			start, end := prev+1, prev+int64(run.FragmentsPerSegment)
			if start-1 <= int64(fragment) && int64(fragment) <= end {
				return run.FirstSegment
			}
			prev = end
		}
		return 1
	}
	prev := int64(lastFragment) + 1
	for i := len(table) - 1; i >= 0; i-- {
		run := table[i]
		start, end := prev-int64(run.FragmentsPerSegment), prev-1
		if start-1 <= int64(fragment) && int64(fragment) <= end {
			return run.FirstSegment
		}
		prev = start
	}
	return 1
}
