package sequencer

// Span is one run in a SpanList: Unset bytes of gap followed by Set bytes
// known to be acknowledged or received.
type Span struct {
	Unset int
	Set   int
}

// SpanList is a run-length encoding of which byte offsets of an implicit
// infinite stream are known set, starting from an implicit unset run at
// offset 0. Adjacent spans are kept merged; the list never ends in a
// zero-length Set run.
type SpanList struct {
	spans    []Span
	totalSet int
}

// TotalSet returns the total number of bytes marked set across the list.
func (s *SpanList) TotalSet() int { return s.totalSet }

// Spans returns the current run list. Callers must not mutate it.
func (s *SpanList) Spans() []Span { return s.spans }

// Set marks [offset, offset+length) as set, relative to the position just
// past the current fully-set prefix. It returns the advancement: how many
// contiguous bytes at the head of the stream are now set, if any, which the
// caller should both consume (drop from its own buffer) and treat as
// removed from this list's bookkeeping.
func (s *SpanList) Set(offset, length int) int {
	if offset <= 0 {
		intersection := offset + length
		if intersection > 0 {
			return s.setSpans(0, intersection)
		}
		return 0
	}

	position := 0
	for i := 0; i < len(s.spans); i++ {
		position += s.spans[i].Unset
		if offset <= position {
			remove := position - offset
			s.spans[i].Unset -= remove
			extra := offset + length - position
			if extra >= 0 {
				amount := remove
				if beyond := extra - s.spans[i].Set; beyond > 0 {
					amount += s.setSpans(i+1, beyond)
				}
				s.spans[i].Set += amount
				s.totalSet += amount
			} else {
				newSpan := Span{Unset: s.spans[i].Unset, Set: length}
				s.spans = append(s.spans, Span{})
				copy(s.spans[i+1:], s.spans[i:len(s.spans)-1])
				s.spans[i] = newSpan
				s.spans[i+1].Unset = -extra
				s.totalSet += newSpan.Set
			}
			return 0
		}

		position += s.spans[i].Set
		if offset <= position {
			if extra := offset + length - position; extra > 0 {
				amount := s.setSpans(i+1, extra)
				s.spans[i].Set += amount
				s.totalSet += amount
			}
			return 0
		}
	}

	s.spans = append(s.spans, Span{Unset: offset - position, Set: length})
	s.totalSet += length
	return 0
}

// setSpans consumes up to length bytes' worth of existing spans starting at
// index start, erasing any it fully absorbs, and returns the advancement —
// max(length, totalRemoved).
func (s *SpanList) setSpans(start, length int) int {
	remaining := length
	totalRemoved := 0
	i := start
	for i < len(s.spans) {
		sp := s.spans[i]
		if remaining < sp.Unset {
			s.spans[i].Unset -= remaining
			totalRemoved += remaining
			break
		}
		combined := sp.Unset + sp.Set
		remaining = maxInt(remaining-combined, 0)
		totalRemoved += combined
		s.totalSet -= sp.Set
		s.spans = append(s.spans[:i], s.spans[i+1:]...)
	}
	return maxInt(length, totalRemoved)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
